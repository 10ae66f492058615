package appointment

import (
	"context"
	"time"

	"github.com/KAsare1/medibook-server/cmd/models"
)

// Get loads an appointment the actor takes part in.
func (s *Service) Get(ctx context.Context, actor models.Actor, id uint) (*models.Appointment, error) {
	appt, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, appt); err != nil {
		return nil, err
	}
	return appt, nil
}

// List scopes the filter to the actor: patients and doctors only see their own.
func (s *Service) List(ctx context.Context, actor models.Actor, f Filter) ([]models.Appointment, int64, error) {
	switch actor.Role {
	case models.RolePatient:
		f.PatientID = actor.ID
	case models.RoleDoctor:
		f.DoctorID = actor.ID
	case models.RolePharmacyStaff:
		if len(f.Statuses) == 0 {
			f.Statuses = []models.Status{models.StatusPrescriptionIssued}
		}
	}
	return s.store.List(ctx, f)
}

func (s *Service) History(ctx context.Context, actor models.Actor, id uint) ([]models.AppointmentEvent, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.store.History(ctx, id)
}

// OverdueInvoices lists consultation invoices whose hold has lapsed, counting
// cancelled checkouts of approved appointments.
func (s *Service) OverdueInvoices(ctx context.Context, limit int) ([]uint, error) {
	return s.store.OverdueInvoices(ctx, s.now(), limit)
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
