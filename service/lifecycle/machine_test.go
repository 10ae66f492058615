package lifecycle

import (
	"errors"
	"testing"

	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext_ValidTransitions(t *testing.T) {
	m := New()

	tests := []struct {
		from models.Status
		ev   Event
		to   models.Status
	}{
		{models.StatusNone, EventRequestBooking, models.StatusBooked},
		{models.StatusNone, EventHold, models.StatusAwaitPayment},
		{models.StatusBooked, EventApprove, models.StatusDoctorApproved},
		{models.StatusBooked, EventReject, models.StatusDoctorRejected},
		{models.StatusDoctorApproved, EventReject, models.StatusDoctorRejected},
		{models.StatusBooked, EventProposeReschedule, models.StatusDoctorReschedule},
		{models.StatusDoctorApproved, EventProposeReschedule, models.StatusDoctorReschedule},
		{models.StatusDoctorReschedule, EventAcceptReschedule, models.StatusDoctorApproved},
		{models.StatusDoctorReschedule, EventDeclineReschedule, models.StatusCancelled},
		{models.StatusDoctorApproved, EventRequestPayment, models.StatusAwaitPayment},
		{models.StatusAwaitPayment, EventPaymentCancelled, models.StatusDoctorApproved},
		{models.StatusAwaitPayment, EventPay, models.StatusConfirmed},
		{models.StatusAwaitPayment, EventExpire, models.StatusPaymentOverdue},
		{models.StatusDoctorApproved, EventExpire, models.StatusPaymentOverdue},
		{models.StatusConfirmed, EventStartConsult, models.StatusInConsult},
		{models.StatusConfirmed, EventNoShow, models.StatusNoShow},
		{models.StatusInConsult, EventIssuePrescription, models.StatusPrescriptionIssued},
		{models.StatusInConsult, EventDischarge, models.StatusReadyToDischarge},
		{models.StatusPrescriptionIssued, EventDischarge, models.StatusReadyToDischarge},
		{models.StatusReadyToDischarge, EventRequestSettlement, models.StatusAwaitSettlement},
		{models.StatusReadyToDischarge, EventComplete, models.StatusCompleted},
		{models.StatusAwaitSettlement, EventComplete, models.StatusCompleted},
		{models.StatusBooked, EventCancel, models.StatusCancelled},
		{models.StatusDoctorApproved, EventCancel, models.StatusCancelled},
		{models.StatusAwaitPayment, EventCancel, models.StatusCancelled},
		{models.StatusConfirmed, EventCancel, models.StatusCancelled},
		{models.StatusCancelled, EventRefund, models.StatusRefunded},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			got, err := m.Next(tt.from, tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.to, got)
		})
	}
}

func TestNext_InvalidTransitions(t *testing.T) {
	m := New()

	tests := []struct {
		from models.Status
		ev   Event
	}{
		{models.StatusConfirmed, EventPay},
		{models.StatusPaymentOverdue, EventPay},
		{models.StatusBooked, EventPay},
		{models.StatusInConsult, EventCancel},
		{models.StatusCompleted, EventCancel},
		{models.StatusAwaitPayment, EventStartConsult},
		{models.StatusReadyToDischarge, EventDischarge},
		{models.StatusBooked, EventRefund},
		{models.StatusNone, EventApprove},
		{models.StatusDoctorApproved, EventApprove},
		{models.StatusConfirmed, Event("teleport")},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			got, err := m.Next(tt.from, tt.ev)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTransition))
			assert.Equal(t, tt.from, got)
		})
	}
}

func TestFire_RoleRules(t *testing.T) {
	m := New()

	_, err := m.Fire(models.RolePatient, models.StatusBooked, EventApprove)
	assert.ErrorIs(t, err, ErrForbiddenEvent)

	_, err = m.Fire(models.RoleDoctor, models.StatusAwaitPayment, EventPay)
	assert.ErrorIs(t, err, ErrForbiddenEvent)

	_, err = m.Fire(models.RolePharmacyStaff, models.StatusInConsult, EventIssuePrescription)
	assert.ErrorIs(t, err, ErrForbiddenEvent)

	to, err := m.Fire(models.RolePharmacyStaff, models.StatusPrescriptionIssued, EventDischarge)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReadyToDischarge, to)

	to, err = m.Fire(models.RoleSystem, models.StatusAwaitPayment, EventExpire)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentOverdue, to)

	// admins bypass role rules but not the table
	to, err = m.Fire(models.RoleAdmin, models.StatusBooked, EventApprove)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDoctorApproved, to)

	_, err = m.Fire(models.RoleAdmin, models.StatusCompleted, EventApprove)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionError_Message(t *testing.T) {
	m := New()
	_, err := m.Next(models.StatusNone, EventPay)
	assert.Equal(t, "cannot pay an appointment in status NEW", err.Error())

	_, err = m.Fire(models.RolePatient, models.StatusBooked, EventApprove)
	assert.Equal(t, "patient may not approve an appointment", err.Error())
}

func TestAllowed(t *testing.T) {
	m := New()

	assert.Equal(t, []Event{EventCancel, EventExpire, EventPay, EventPaymentCancelled}, m.Allowed(models.StatusAwaitPayment))
	assert.Empty(t, m.Allowed(models.StatusCompleted))
	assert.Equal(t, []Event{EventCancel}, m.AllowedFor(models.RolePatient, models.StatusAwaitPayment))
}

func TestSlotRules(t *testing.T) {
	m := New()

	// Any event that lands in a releasing status must leave a slot-holding one.
	for ev, r := range m.rules {
		if !ReleasesSlot(r.to) {
			continue
		}
		for _, from := range r.from {
			assert.True(t, HoldsSlot(from), "%s from %s releases a slot it does not hold", ev, from)
		}
		assert.False(t, HoldsSlot(r.to), "%s lands in %s which still holds the slot", ev, r.to)
	}

	for _, s := range models.AllStatuses {
		if IsTerminal(s) {
			assert.Empty(t, m.AllowedFor(models.RoleDoctor, s), "terminal status %s has doctor events", s)
		}
	}

	assert.True(t, HoldsSlot(models.StatusNoShow))
	assert.False(t, HoldsSlot(models.StatusRefunded))
	assert.NotContains(t, SlotHoldingStatuses(), models.StatusCancelled)
	assert.Len(t, SlotHoldingStatuses(), 11)
}

func TestPatientView(t *testing.T) {
	tests := map[models.Status]string{
		models.StatusBooked:             "pending",
		models.StatusAwaitPayment:       "pending",
		models.StatusConfirmed:          "confirmed",
		models.StatusInConsult:          "examining",
		models.StatusPrescriptionIssued: "prescribing",
		models.StatusAwaitSettlement:    "prescribing",
		models.StatusCompleted:          "done",
		models.StatusPaymentOverdue:     "cancelled",
		models.StatusRefunded:           "cancelled",
		models.StatusNoShow:             "cancelled",
	}
	for status, want := range tests {
		assert.Equal(t, want, PatientView(status), string(status))
	}
}
