package appointment

import (
	"context"
	"fmt"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/service/billing"
	"github.com/KAsare1/medibook-server/service/lifecycle"
)

func (s *Service) StartConsult(ctx context.Context, actor models.Actor, id uint) (*models.Appointment, error) {
	return s.mutate(ctx, id, func(tx Tx, appt *models.Appointment, fx *effects) error {
		if err := authorize(actor, appt); err != nil {
			return err
		}
		if err := s.fire(tx, appt, actor, lifecycle.EventStartConsult, "", fx); err != nil {
			return err
		}
		now := s.now()
		appt.StartedAt = &now
		fx.notify(appt.PatientID, appt.ID, models.NotifyAppointmentUpdated,
			"Consultation started", "Your doctor has started the consultation.")
		return nil
	})
}

// MarkNoShow closes a confirmed appointment the patient did not attend. It
// is only allowed once the slot has started.
func (s *Service) MarkNoShow(ctx context.Context, actor models.Actor, id uint) (*models.Appointment, error) {
	return s.mutate(ctx, id, func(tx Tx, appt *models.Appointment, fx *effects) error {
		if err := authorize(actor, appt); err != nil {
			return err
		}
		slot, err := tx.GetSlot(appt.ScheduleID)
		if err != nil {
			return err
		}
		if s.now().Before(slot.StartTime) {
			return apperr.Conflict("An appointment cannot be marked as no-show before it starts")
		}
		if err := s.fire(tx, appt, actor, lifecycle.EventNoShow, "", fx); err != nil {
			return err
		}
		fx.notify(appt.PatientID, appt.ID, models.NotifyAppointmentUpdated,
			"Missed appointment", "You were marked as absent from your appointment.")
		return nil
	})
}

type PrescriptionRequest struct {
	Diagnosis string                    `json:"diagnosis" validate:"required,max=2000"`
	Note      string                    `json:"note" validate:"max=2000"`
	Items     []models.PrescriptionItem `json:"items" validate:"required,min=1,dive"`
}

func (s *Service) IssuePrescription(ctx context.Context, actor models.Actor, id uint, req PrescriptionRequest) (*models.Appointment, error) {
	return s.mutate(ctx, id, func(tx Tx, appt *models.Appointment, fx *effects) error {
		if err := authorize(actor, appt); err != nil {
			return err
		}
		if err := s.fire(tx, appt, actor, lifecycle.EventIssuePrescription, "", fx); err != nil {
			return err
		}
		items := make(models.PrescriptionItems, len(req.Items))
		for i, it := range req.Items {
			it.Dispensed = false
			items[i] = it
		}
		appt.Diagnosis = req.Diagnosis
		appt.DoctorNote = req.Note
		appt.Prescription = items
		fx.notify(appt.PatientID, appt.ID, models.NotifyAppointmentUpdated,
			"Prescription issued", "Your prescription is ready for the pharmacy.")
		return nil
	})
}

type ExtensionRequest struct {
	Minutes int    `json:"minutes" validate:"required,min=5,max=120"`
	Fee     int64  `json:"fee" validate:"gte=0"`
	Reason  string `json:"reason" validate:"max=500"`
}

// RequestExtension asks the patient to consent to a longer consultation.
// One extension per appointment; it may not run into the doctor's next
// booked slot.
func (s *Service) RequestExtension(ctx context.Context, actor models.Actor, id uint, req ExtensionRequest) (*models.Appointment, error) {
	if actor.Role != models.RoleDoctor && actor.Role != models.RoleAdmin {
		return nil, apperr.Forbidden("Only the doctor can request an extension")
	}
	return s.mutate(ctx, id, func(tx Tx, appt *models.Appointment, fx *effects) error {
		if err := authorize(actor, appt); err != nil {
			return err
		}
		if !lifecycle.CanExtend(appt.Status) {
			return apperr.Conflict("Extensions can only be requested during a consultation")
		}
		switch appt.Extension.Status {
		case models.ExtensionPendingConsent:
			return apperr.Conflict("An extension is already waiting for the patient")
		case models.ExtensionAccepted:
			return apperr.Conflict("This consultation has already been extended")
		case models.ExtensionDeclined:
			return apperr.Conflict("The patient already declined an extension for this consultation")
		}

		slot, err := tx.GetSlot(appt.ScheduleID)
		if err != nil {
			return err
		}
		end := slot.EndTime.Add(minutes(req.Minutes))
		next, err := tx.NextBookedSlot(appt.DoctorID, slot.EndTime)
		if err != nil {
			return err
		}
		if next != nil && next.StartTime.Before(end) {
			return apperr.Conflict("The extension would overlap the next appointment at %s", next.StartTime.Format("15:04"))
		}

		now := s.now()
		appt.Extension = models.Extension{
			Status:      models.ExtensionPendingConsent,
			Minutes:     req.Minutes,
			Fee:         req.Fee,
			Reason:      req.Reason,
			RequestedAt: &now,
		}
		fx.notify(appt.PatientID, appt.ID, models.NotifyExtensionRequested,
			"Extend your consultation?",
			fmt.Sprintf("Your doctor asks for %d more minutes for %s.", req.Minutes, billing.FormatVND(req.Fee)))
		return nil
	})
}

// DecideExtension records the patient's answer to a pending extension.
func (s *Service) DecideExtension(ctx context.Context, actor models.Actor, id uint, accept bool) (*models.Appointment, error) {
	if actor.Role != models.RolePatient && actor.Role != models.RoleAdmin {
		return nil, apperr.Forbidden("Only the patient can answer an extension request")
	}
	return s.mutate(ctx, id, func(tx Tx, appt *models.Appointment, fx *effects) error {
		if err := authorize(actor, appt); err != nil {
			return err
		}
		if !appt.Extension.Pending() {
			return apperr.Conflict("There is no extension waiting for an answer")
		}
		now := s.now()
		answer := "declined"
		appt.Extension.Status = models.ExtensionDeclined
		if accept {
			answer = "accepted"
			appt.Extension.Status = models.ExtensionAccepted
		}
		appt.Extension.DecidedAt = &now
		fx.notify(appt.DoctorID, appt.ID, models.NotifyAppointmentUpdated,
			"Extension "+answer, fmt.Sprintf("The patient %s the %d minute extension.", answer, appt.Extension.Minutes))
		return nil
	})
}

func (s *Service) Discharge(ctx context.Context, actor models.Actor, id uint) (*models.Appointment, error) {
	return s.mutate(ctx, id, func(tx Tx, appt *models.Appointment, fx *effects) error {
		if err := authorize(actor, appt); err != nil {
			return err
		}
		return s.discharge(tx, appt, actor, fx)
	})
}

func (s *Service) discharge(tx Tx, appt *models.Appointment, actor models.Actor, fx *effects) error {
	if appt.Extension.Pending() {
		return apperr.Conflict("The patient has not answered the extension request")
	}
	if err := s.fire(tx, appt, actor, lifecycle.EventDischarge, "", fx); err != nil {
		return err
	}
	now := s.now()
	appt.EndedAt = &now
	return nil
}

type DispenseRequest struct {
	// Items are indexes into the prescription. Empty dispenses everything.
	Items []int `json:"items"`
}

// Dispense records what the pharmacy handed out and discharges the patient.
// Dispensed items are billed on the settlement.
func (s *Service) Dispense(ctx context.Context, actor models.Actor, id uint, req DispenseRequest) (*models.Appointment, error) {
	if actor.Role != models.RolePharmacyStaff && actor.Role != models.RoleAdmin {
		return nil, apperr.Forbidden("Only pharmacy staff can dispense medication")
	}
	return s.mutate(ctx, id, func(tx Tx, appt *models.Appointment, fx *effects) error {
		if appt.Status != models.StatusPrescriptionIssued {
			return apperr.Conflict("cannot dispense for an appointment in status %s", appt.Status)
		}

		items := make(models.PrescriptionItems, len(appt.Prescription))
		copy(items, appt.Prescription)
		if len(req.Items) == 0 {
			for i := range items {
				items[i].Dispensed = true
			}
		}
		for _, idx := range req.Items {
			if idx < 0 || idx >= len(items) {
				return apperr.Validation("Prescription item %d does not exist", idx)
			}
			items[idx].Dispensed = true
		}
		appt.Prescription = items

		if err := s.discharge(tx, appt, actor, fx); err != nil {
			return err
		}
		fx.notify(appt.DoctorID, appt.ID, models.NotifyAppointmentUpdated,
			"Medication dispensed", "The pharmacy dispensed the prescription.")
		return nil
	})
}

// Finalize settles a discharged appointment. Anything still owed goes on a
// final settlement invoice; otherwise the appointment completes.
func (s *Service) Finalize(ctx context.Context, actor models.Actor, id uint) (*models.Appointment, error) {
	return s.mutate(ctx, id, func(tx Tx, appt *models.Appointment, fx *effects) error {
		if err := authorize(actor, appt); err != nil {
			return err
		}
		if appt.Status != models.StatusReadyToDischarge {
			return apperr.Conflict("cannot finalize an appointment in status %s", appt.Status)
		}

		payments, err := tx.Payments(appt.ID)
		if err != nil {
			return err
		}
		inv, owed := s.pricer.SettlementInvoice(appt, models.NetPaid(payments), s.now().Add(s.opts.SettlementDue))

		if !owed {
			if err := s.fire(tx, appt, actor, lifecycle.EventComplete, "", fx); err != nil {
				return err
			}
			billing.ApplySettlement(appt, inv)
			fx.notify(appt.PatientID, appt.ID, models.NotifyAppointmentUpdated,
				"Visit complete", "Your visit is complete. Thank you.")
			return nil
		}

		if err := s.fire(tx, appt, actor, lifecycle.EventRequestSettlement, "", fx); err != nil {
			return err
		}
		stored, err := tx.EnsureInvoice(&inv)
		if err != nil {
			return fmt.Errorf("ensure settlement invoice: %w", err)
		}
		billing.ApplySettlement(appt, *stored)
		fx.notify(appt.PatientID, appt.ID, models.NotifySettlementDue,
			"Final payment due", fmt.Sprintf("Please pay %s to complete your visit.", billing.FormatVND(stored.AmountDue)))
		return nil
	})
}
