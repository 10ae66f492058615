// Package lifecycle holds the appointment state machine. Every status change
// goes through Fire so role checks and the transition table live in one place.
package lifecycle

import (
	"errors"
	"fmt"
	"sort"

	"github.com/KAsare1/medibook-server/cmd/models"
)

type Event string

const (
	EventRequestBooking    Event = "request_booking"
	EventHold              Event = "hold"
	EventApprove           Event = "approve"
	EventReject            Event = "reject"
	EventProposeReschedule Event = "propose_reschedule"
	EventAcceptReschedule  Event = "accept_reschedule"
	EventDeclineReschedule Event = "decline_reschedule"
	EventRequestPayment    Event = "request_payment"
	EventPaymentCancelled  Event = "payment_cancelled"
	EventPay               Event = "pay"
	EventExpire            Event = "expire"
	EventStartConsult      Event = "start_consult"
	EventNoShow            Event = "no_show"
	EventIssuePrescription Event = "issue_prescription"
	EventDischarge         Event = "discharge"
	EventRequestSettlement Event = "request_settlement"
	EventComplete          Event = "complete"
	EventCancel            Event = "cancel"
	EventRefund            Event = "refund"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrForbiddenEvent    = errors.New("role may not trigger this event")
)

// TransitionError describes a rejected event.
type TransitionError struct {
	From  models.Status
	Event Event
	Role  models.Role
	err   error
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "NEW"
	}
	if e.err == ErrForbiddenEvent {
		return fmt.Sprintf("%s may not %s an appointment", e.Role, e.Event)
	}
	return fmt.Sprintf("cannot %s an appointment in status %s", e.Event, from)
}

func (e *TransitionError) Unwrap() error {
	return e.err
}

type rule struct {
	from  []models.Status
	to    models.Status
	roles []models.Role
}

var (
	patient  = models.RolePatient
	doctor   = models.RoleDoctor
	pharmacy = models.RolePharmacyStaff
	system   = models.RoleSystem
)

// Machine is the appointment transition table. It is stateless and safe for
// concurrent use.
type Machine struct {
	rules map[Event]rule
}

// New returns the machine with the clinic's transition table.
func New() *Machine {
	return &Machine{rules: map[Event]rule{
		EventRequestBooking: {
			from:  []models.Status{models.StatusNone},
			to:    models.StatusBooked,
			roles: []models.Role{patient},
		},
		EventHold: {
			from:  []models.Status{models.StatusNone},
			to:    models.StatusAwaitPayment,
			roles: []models.Role{patient},
		},
		EventApprove: {
			from:  []models.Status{models.StatusBooked},
			to:    models.StatusDoctorApproved,
			roles: []models.Role{doctor},
		},
		EventReject: {
			from:  []models.Status{models.StatusBooked, models.StatusDoctorApproved},
			to:    models.StatusDoctorRejected,
			roles: []models.Role{doctor},
		},
		EventProposeReschedule: {
			from:  []models.Status{models.StatusBooked, models.StatusDoctorApproved},
			to:    models.StatusDoctorReschedule,
			roles: []models.Role{doctor},
		},
		EventAcceptReschedule: {
			from:  []models.Status{models.StatusDoctorReschedule},
			to:    models.StatusDoctorApproved,
			roles: []models.Role{patient},
		},
		EventDeclineReschedule: {
			from:  []models.Status{models.StatusDoctorReschedule},
			to:    models.StatusCancelled,
			roles: []models.Role{patient},
		},
		EventRequestPayment: {
			from:  []models.Status{models.StatusDoctorApproved},
			to:    models.StatusAwaitPayment,
			roles: []models.Role{patient, system},
		},
		EventPaymentCancelled: {
			from:  []models.Status{models.StatusAwaitPayment},
			to:    models.StatusDoctorApproved,
			roles: []models.Role{system},
		},
		EventPay: {
			from:  []models.Status{models.StatusAwaitPayment},
			to:    models.StatusConfirmed,
			roles: []models.Role{system},
		},
		EventExpire: {
			from:  []models.Status{models.StatusAwaitPayment, models.StatusDoctorApproved},
			to:    models.StatusPaymentOverdue,
			roles: []models.Role{system},
		},
		EventStartConsult: {
			from:  []models.Status{models.StatusConfirmed},
			to:    models.StatusInConsult,
			roles: []models.Role{doctor},
		},
		EventNoShow: {
			from:  []models.Status{models.StatusConfirmed},
			to:    models.StatusNoShow,
			roles: []models.Role{doctor},
		},
		EventIssuePrescription: {
			from:  []models.Status{models.StatusInConsult},
			to:    models.StatusPrescriptionIssued,
			roles: []models.Role{doctor},
		},
		EventDischarge: {
			from:  []models.Status{models.StatusInConsult, models.StatusPrescriptionIssued},
			to:    models.StatusReadyToDischarge,
			roles: []models.Role{doctor, pharmacy},
		},
		EventRequestSettlement: {
			from:  []models.Status{models.StatusReadyToDischarge},
			to:    models.StatusAwaitSettlement,
			roles: []models.Role{doctor},
		},
		EventComplete: {
			from:  []models.Status{models.StatusReadyToDischarge, models.StatusAwaitSettlement},
			to:    models.StatusCompleted,
			roles: []models.Role{doctor, system},
		},
		EventCancel: {
			from: []models.Status{
				models.StatusBooked,
				models.StatusDoctorApproved,
				models.StatusAwaitPayment,
				models.StatusConfirmed,
			},
			to:    models.StatusCancelled,
			roles: []models.Role{patient, system},
		},
		EventRefund: {
			from:  []models.Status{models.StatusCancelled},
			to:    models.StatusRefunded,
			roles: []models.Role{system},
		},
	}}
}

// Next returns the status reached by firing ev from the given status.
func (m *Machine) Next(from models.Status, ev Event) (models.Status, error) {
	r, ok := m.rules[ev]
	if !ok || !contains(r.from, from) {
		return from, &TransitionError{From: from, Event: ev, err: ErrInvalidTransition}
	}
	return r.to, nil
}

// Can reports whether role may fire ev. Admins may fire every event.
func (m *Machine) Can(role models.Role, ev Event) bool {
	if role == models.RoleAdmin {
		_, ok := m.rules[ev]
		return ok
	}
	r, ok := m.rules[ev]
	return ok && containsRole(r.roles, role)
}

// Fire checks the role and the transition table together.
func (m *Machine) Fire(role models.Role, from models.Status, ev Event) (models.Status, error) {
	if !m.Can(role, ev) {
		return from, &TransitionError{From: from, Event: ev, Role: role, err: ErrForbiddenEvent}
	}
	return m.Next(from, ev)
}

// Allowed lists the events that can fire from the given status, sorted by name.
func (m *Machine) Allowed(from models.Status) []Event {
	var events []Event
	for ev, r := range m.rules {
		if contains(r.from, from) {
			events = append(events, ev)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}

// AllowedFor is Allowed filtered by role.
func (m *Machine) AllowedFor(role models.Role, from models.Status) []Event {
	var events []Event
	for _, ev := range m.Allowed(from) {
		if m.Can(role, ev) {
			events = append(events, ev)
		}
	}
	return events
}

func contains(list []models.Status, s models.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsRole(list []models.Role, r models.Role) bool {
	for _, v := range list {
		if v == r {
			return true
		}
	}
	return false
}
