// Package appointment runs the appointment lifecycle: booking, approval,
// payment holds, consultation and settlement. Every mutation happens in one
// database transaction that locks the appointment row and fires events
// through the lifecycle machine.
package appointment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/logger"
	"github.com/KAsare1/medibook-server/cmd/metrics"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/db"
	"github.com/KAsare1/medibook-server/service/billing"
	"github.com/KAsare1/medibook-server/service/lifecycle"
	"github.com/sirupsen/logrus"
)

// Notifier delivers user notifications. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// ChatProvisioner opens the consultation chat once an appointment is confirmed.
type ChatProvisioner interface {
	OpenConsultation(ctx context.Context, appt *models.Appointment) error
}

type Options struct {
	HoldTTL       time.Duration
	SettlementDue time.Duration
	CancelCutoff  time.Duration
	SlotLockTTL   time.Duration
}

type Service struct {
	store    Store
	machine  *lifecycle.Machine
	pricer   *billing.Pricer
	notifier Notifier
	chat     ChatProvisioner
	locker   db.Locker
	opts     Options
	log      *logger.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewService(store Store, pricer *billing.Pricer, notifier Notifier, chat ChatProvisioner, locker db.Locker, opts Options, log *logger.Logger) *Service {
	if opts.SlotLockTTL == 0 {
		opts.SlotLockTTL = 10 * time.Second
	}
	return &Service{
		store:    store,
		machine:  lifecycle.New(),
		pricer:   pricer,
		notifier: notifier,
		chat:     chat,
		locker:   locker,
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
}

// Machine exposes the transition table, used to list the events a caller may fire.
func (s *Service) Machine() *lifecycle.Machine {
	return s.machine
}

// Wait blocks until background chat provisioning has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

type transition struct {
	event lifecycle.Event
	from  models.Status
	to    models.Status
	actor models.Actor
	note  string
}

// effects collects what a transaction did so it can be published after commit.
type effects struct {
	transitions []transition
	recorded    int
	notes       []models.Notification
	payments    []paymentOutcome
	openChat    bool
}

type paymentOutcome struct {
	invoiceType models.InvoiceType
	outcome     string
}

func (fx *effects) notify(userID, appointmentID uint, kind, title, body string) {
	id := appointmentID
	fx.notes = append(fx.notes, models.Notification{
		UserID:        userID,
		Type:          kind,
		Title:         title,
		Body:          body,
		AppointmentID: &id,
	})
}

// fire runs one lifecycle event against appt and releases the slot when the
// new status gives it up.
func (s *Service) fire(tx Tx, appt *models.Appointment, actor models.Actor, ev lifecycle.Event, note string, fx *effects) error {
	from := appt.Status
	to, err := s.machine.Fire(actor.Role, from, ev)
	if err != nil {
		return transitionError(err)
	}

	if lifecycle.ReleasesSlot(to) && lifecycle.HoldsSlot(from) {
		if err := tx.ReleaseSlot(appt.ScheduleID); err != nil {
			return fmt.Errorf("release slot %d: %w", appt.ScheduleID, err)
		}
	}
	if to != models.StatusAwaitPayment {
		appt.HoldExpiresAt = nil
	}

	appt.Status = to
	fx.transitions = append(fx.transitions, transition{event: ev, from: from, to: to, actor: actor, note: note})
	return nil
}

func transitionError(err error) error {
	if errors.Is(err, lifecycle.ErrForbiddenEvent) {
		return apperr.Forbidden("%s", err.Error())
	}
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		return apperr.Conflict("%s", err.Error())
	}
	return err
}

func (s *Service) recordEvents(tx Tx, appt *models.Appointment, fx *effects) error {
	for _, t := range fx.transitions[fx.recorded:] {
		err := tx.RecordEvent(&models.AppointmentEvent{
			AppointmentID: appt.ID,
			Event:         string(t.event),
			FromStatus:    t.from,
			ToStatus:      t.to,
			ActorID:       t.actor.ID,
			ActorRole:     t.actor.Role,
			Note:          t.note,
			CreatedAt:     s.now(),
		})
		if err != nil {
			return fmt.Errorf("record %s event: %w", t.event, err)
		}
	}
	fx.recorded = len(fx.transitions)
	return nil
}

// mutate locks the appointment, applies fn, saves and records the fired
// events in one transaction, then publishes the effects.
func (s *Service) mutate(ctx context.Context, id uint, fn func(tx Tx, appt *models.Appointment, fx *effects) error) (*models.Appointment, error) {
	fx := &effects{}
	var out *models.Appointment

	err := s.store.Tx(ctx, func(tx Tx) error {
		appt, err := tx.LockAppointment(id)
		if err != nil {
			return err
		}
		if err := fn(tx, appt, fx); err != nil {
			return err
		}
		if err := s.commit(tx, appt, fx); err != nil {
			return err
		}
		out = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, out, fx)
	return out, nil
}

func (s *Service) commit(tx Tx, appt *models.Appointment, fx *effects) error {
	if err := tx.SaveAppointment(appt); err != nil {
		return fmt.Errorf("save appointment: %w", err)
	}
	return s.recordEvents(tx, appt, fx)
}

func (s *Service) publish(ctx context.Context, appt *models.Appointment, fx *effects) {
	log := s.log.WithAppointment(appt.ID)
	for _, t := range fx.transitions {
		metrics.Transitions.WithLabelValues(string(t.event), string(t.to)).Inc()
		log.WithFields(logrus.Fields{
			"event": t.event,
			"from":  t.from,
			"to":    t.to,
			"actor": t.actor.ID,
			"role":  t.actor.Role,
		}).Info("Appointment status changed")
	}
	for _, p := range fx.payments {
		metrics.Payments.WithLabelValues(string(p.invoiceType), p.outcome).Inc()
	}

	if s.notifier != nil {
		for _, n := range fx.notes {
			s.notifier.Notify(ctx, n)
		}
	}

	if fx.openChat && s.chat != nil {
		snapshot := *appt
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.chat.OpenConsultation(context.Background(), &snapshot); err != nil {
				log.WithError(err).Warn("Failed to open consultation chat")
			}
		}()
	}
}

// authorize checks that actor takes part in appt. Admins, pharmacy staff and
// the system see every appointment; the machine still limits what they fire.
func authorize(actor models.Actor, appt *models.Appointment) error {
	switch actor.Role {
	case models.RoleAdmin, models.RoleSystem, models.RolePharmacyStaff:
		return nil
	case models.RolePatient:
		if appt.PatientID == actor.ID {
			return nil
		}
	case models.RoleDoctor:
		if appt.DoctorID == actor.ID {
			return nil
		}
	}
	return apperr.Forbidden("You do not have access to this appointment")
}

func slotLockKey(scheduleID uint) string {
	return fmt.Sprintf("slot:%d", scheduleID)
}
