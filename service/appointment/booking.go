package appointment

import (
	"context"
	"fmt"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/service/billing"
	"github.com/KAsare1/medibook-server/service/lifecycle"
	"github.com/lib/pq"
)

type BookRequest struct {
	ScheduleID uint     `json:"schedule_id" validate:"required"`
	Symptoms   []string `json:"symptoms" validate:"max=20,dive,max=200"`
	// PatientID is only honoured for admins booking on a patient's behalf.
	PatientID uint `json:"patient_id,omitempty"`
}

// Book claims a slot for a patient. Doctors that review bookings get a BOOKED
// appointment; everyone else goes straight to a payment hold.
func (s *Service) Book(ctx context.Context, actor models.Actor, req BookRequest) (*models.Appointment, error) {
	patientID := actor.ID
	switch actor.Role {
	case models.RolePatient:
	case models.RoleAdmin:
		if req.PatientID == 0 {
			return nil, apperr.Validation("patient_id is required when booking for a patient")
		}
		patientID = req.PatientID
	default:
		return nil, apperr.Forbidden("Only patients can book appointments")
	}

	release, ok, err := s.locker.Acquire(ctx, slotLockKey(req.ScheduleID), s.opts.SlotLockTTL)
	switch {
	case err != nil:
		s.log.WithComponent("appointment").WithError(err).Warn("Slot lock unavailable, relying on database claim")
	case !ok:
		return nil, apperr.Conflict("This time slot is being booked by someone else")
	default:
		defer release()
	}

	fx := &effects{}
	var appt *models.Appointment

	err = s.store.Tx(ctx, func(tx Tx) error {
		slot, err := tx.ClaimSlot(req.ScheduleID)
		if err != nil {
			return err
		}
		now := s.now()
		if !slot.StartTime.After(now) {
			return apperr.Conflict("This time slot has already started")
		}
		if slot.DoctorID == patientID {
			return apperr.Validation("Doctors cannot book their own slots")
		}

		doctor, err := tx.DoctorProfile(slot.DoctorID)
		if err != nil {
			return err
		}
		if !doctor.Verified {
			return apperr.Conflict("This doctor is not accepting bookings yet")
		}
		patient, err := tx.PatientProfile(patientID)
		if err != nil {
			return err
		}

		quote := s.pricer.Quote(doctor.ConsultationFee, patient, slot.StartTime)
		appt = &models.Appointment{
			PatientID:         patientID,
			DoctorID:          slot.DoctorID,
			ScheduleID:        slot.ID,
			ConsultationFee:   doctor.ConsultationFee,
			CoverageRate:      quote.CoverageRate,
			InsuranceCoverage: quote.InsuranceCoverage,
			TotalAmount:       quote.Total,
			PatientAmount:     quote.PatientAmount,
			DepositAmount:     quote.Deposit,
			ApprovalRequired:  doctor.RequiresApproval,
			Symptoms:          pq.StringArray(req.Symptoms),
			Extension:         models.Extension{Status: models.ExtensionNone},
		}

		ev := lifecycle.EventHold
		if doctor.RequiresApproval {
			ev = lifecycle.EventRequestBooking
		}
		if err := s.fire(tx, appt, actor, ev, "", fx); err != nil {
			return err
		}
		if err := tx.CreateAppointment(appt); err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}

		if appt.Status == models.StatusBooked {
			fx.notify(appt.DoctorID, appt.ID, models.NotifyBookingRequested,
				"New booking request",
				fmt.Sprintf("A patient requested the slot on %s.", slot.StartTime.Format("02/01/2006 15:04")))
		} else if err := s.openHold(tx, appt, fx); err != nil {
			return err
		}
		return s.commit(tx, appt, fx)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, appt, fx)
	return appt, nil
}

// openHold ensures the consultation invoice for an appointment that has just
// entered AWAIT_PAYMENT and starts the hold countdown. Nothing to pay means
// the hold is captured immediately.
func (s *Service) openHold(tx Tx, appt *models.Appointment, fx *effects) error {
	due := s.now().Add(s.opts.HoldTTL)
	fresh := s.pricer.ConsultationInvoice(appt, due)

	inv, err := tx.EnsureInvoice(&fresh)
	if err != nil {
		return fmt.Errorf("ensure consultation invoice: %w", err)
	}

	switch inv.Status {
	case models.InvoicePaid, models.InvoiceRefunded:
		return apperr.Conflict("The consultation invoice is already settled")
	case models.InvoiceExpired, models.InvoiceCancelled:
		inv.Items = fresh.Items
		inv.Subtotal = fresh.Subtotal
		inv.InsuranceCoverage = fresh.InsuranceCoverage
		inv.PatientAmount = fresh.PatientAmount
		inv.AmountDue = fresh.AmountDue
		inv.Status = models.InvoicePending
		inv.DueDate = due
		inv.OrderCode = nil
		inv.PaymentLinkID = ""
		inv.CheckoutURL = ""
		if err := tx.SaveInvoice(inv); err != nil {
			return fmt.Errorf("reopen consultation invoice: %w", err)
		}
	}

	expires := inv.DueDate
	appt.HoldExpiresAt = &expires

	if inv.AmountDue == 0 {
		return s.capture(tx, appt, inv, 0, models.MethodInsurance, "", "", fx)
	}

	fx.notify(appt.PatientID, appt.ID, models.NotifyPaymentRequired,
		"Complete your payment",
		fmt.Sprintf("Pay %s before %s to keep your slot.", billing.FormatVND(inv.AmountDue), expires.Format("15:04 02/01/2006")))
	return nil
}

// Approve accepts a booking request and opens the payment hold in the same
// transaction.
func (s *Service) Approve(ctx context.Context, actor models.Actor, id uint) (*models.Appointment, error) {
	return s.mutate(ctx, id, func(tx Tx, appt *models.Appointment, fx *effects) error {
		if err := authorize(actor, appt); err != nil {
			return err
		}
		if err := s.fire(tx, appt, actor, lifecycle.EventApprove, "", fx); err != nil {
			return err
		}
		fx.notify(appt.PatientID, appt.ID, models.NotifyAppointmentUpdated,
			"Appointment approved", "Your doctor approved the appointment.")
		return s.requestPayment(tx, appt, models.SystemActor, fx)
	})
}

// requestPayment moves an approved appointment to AWAIT_PAYMENT and starts
// its hold.
func (s *Service) requestPayment(tx Tx, appt *models.Appointment, actor models.Actor, fx *effects) error {
	if err := s.fire(tx, appt, actor, lifecycle.EventRequestPayment, "", fx); err != nil {
		return err
	}
	return s.openHold(tx, appt, fx)
}

func (s *Service) Reject(ctx context.Context, actor models.Actor, id uint, reason string) (*models.Appointment, error) {
	return s.mutate(ctx, id, func(tx Tx, appt *models.Appointment, fx *effects) error {
		if err := authorize(actor, appt); err != nil {
			return err
		}
		if err := s.fire(tx, appt, actor, lifecycle.EventReject, reason, fx); err != nil {
			return err
		}
		appt.CancelReason = reason
		fx.notify(appt.PatientID, appt.ID, models.NotifyAppointmentUpdated,
			"Appointment declined", withReason("Your doctor could not take this appointment.", reason))
		return nil
	})
}

type RescheduleRequest struct {
	ScheduleID uint   `json:"schedule_id" validate:"required"`
	Reason     string `json:"reason" validate:"max=500"`
}

// ProposeReschedule moves the appointment onto another of the doctor's
// slots. The new slot is claimed and the old one released in the same
// transaction, so the appointment never holds two slots.
func (s *Service) ProposeReschedule(ctx context.Context, actor models.Actor, id uint, req RescheduleRequest) (*models.Appointment, error) {
	return s.mutate(ctx, id, func(tx Tx, appt *models.Appointment, fx *effects) error {
		if err := authorize(actor, appt); err != nil {
			return err
		}
		if req.ScheduleID == appt.ScheduleID {
			return apperr.Validation("The proposed slot is the current slot")
		}
		previous := appt.ScheduleID
		if err := s.fire(tx, appt, actor, lifecycle.EventProposeReschedule, req.Reason, fx); err != nil {
			return err
		}

		slot, err := tx.ClaimSlot(req.ScheduleID)
		if err != nil {
			return err
		}
		if slot.DoctorID != appt.DoctorID {
			return apperr.Conflict("The proposed slot belongs to another doctor")
		}
		if !slot.StartTime.After(s.now()) {
			return apperr.Conflict("The proposed slot has already started")
		}
		if err := tx.ReleaseSlot(previous); err != nil {
			return fmt.Errorf("release slot %d: %w", previous, err)
		}

		now := s.now()
		appt.ScheduleID = slot.ID
		appt.Meta.Reschedule = models.Reschedule{
			PreviousScheduleID: previous,
			ProposedScheduleID: slot.ID,
			Reason:             req.Reason,
			ProposedAt:         &now,
		}
		fx.notify(appt.PatientID, appt.ID, models.NotifyAppointmentUpdated,
			"New time proposed",
			withReason(fmt.Sprintf("Your doctor proposed %s instead.", slot.StartTime.Format("15:04 02/01/2006")), req.Reason))
		return nil
	})
}

func (s *Service) AcceptReschedule(ctx context.Context, actor models.Actor, id uint) (*models.Appointment, error) {
	return s.mutate(ctx, id, func(tx Tx, appt *models.Appointment, fx *effects) error {
		if err := authorize(actor, appt); err != nil {
			return err
		}
		if err := s.fire(tx, appt, actor, lifecycle.EventAcceptReschedule, "", fx); err != nil {
			return err
		}
		fx.notify(appt.DoctorID, appt.ID, models.NotifyAppointmentUpdated,
			"Reschedule accepted", "The patient accepted the new time.")
		return s.requestPayment(tx, appt, models.SystemActor, fx)
	})
}

func (s *Service) DeclineReschedule(ctx context.Context, actor models.Actor, id uint, reason string) (*models.Appointment, error) {
	return s.mutate(ctx, id, func(tx Tx, appt *models.Appointment, fx *effects) error {
		if err := authorize(actor, appt); err != nil {
			return err
		}
		if err := s.fire(tx, appt, actor, lifecycle.EventDeclineReschedule, reason, fx); err != nil {
			return err
		}
		appt.CancelReason = reason
		fx.notify(appt.DoctorID, appt.ID, models.NotifyAppointmentUpdated,
			"Reschedule declined", withReason("The patient declined the new time and the appointment was cancelled.", reason))
		return nil
	})
}

// RequestPayment reopens the payment hold of an approved appointment whose
// checkout was cancelled.
func (s *Service) RequestPayment(ctx context.Context, actor models.Actor, id uint) (*models.Appointment, error) {
	return s.mutate(ctx, id, func(tx Tx, appt *models.Appointment, fx *effects) error {
		if err := authorize(actor, appt); err != nil {
			return err
		}
		return s.requestPayment(tx, appt, actor, fx)
	})
}

// Cancel cancels an appointment before the consultation. Patients cannot
// cancel a confirmed appointment inside the cutoff window. Whatever was paid
// is refunded in the same transaction.
func (s *Service) Cancel(ctx context.Context, actor models.Actor, id uint, reason string) (*models.Appointment, error) {
	return s.mutate(ctx, id, func(tx Tx, appt *models.Appointment, fx *effects) error {
		if err := authorize(actor, appt); err != nil {
			return err
		}
		if actor.Role == models.RolePatient && appt.Status == models.StatusConfirmed && s.opts.CancelCutoff > 0 {
			slot, err := tx.GetSlot(appt.ScheduleID)
			if err != nil {
				return err
			}
			if slot.StartTime.Sub(s.now()) < s.opts.CancelCutoff {
				return apperr.Conflict("Appointments cannot be cancelled less than %s before they start", s.opts.CancelCutoff)
			}
		}

		if err := s.fire(tx, appt, actor, lifecycle.EventCancel, reason, fx); err != nil {
			return err
		}
		appt.CancelReason = reason

		invoices, err := tx.Invoices(appt.ID)
		if err != nil {
			return err
		}
		for i := range invoices {
			if invoices[i].Status != models.InvoicePending {
				continue
			}
			invoices[i].Status = models.InvoiceCancelled
			invoices[i].CheckoutURL = ""
			if err := tx.SaveInvoice(&invoices[i]); err != nil {
				return err
			}
		}

		if _, err := s.refundAll(tx, appt, reason, fx); err != nil {
			return err
		}

		for _, userID := range []uint{appt.PatientID, appt.DoctorID} {
			if userID == actor.ID {
				continue
			}
			fx.notify(userID, appt.ID, models.NotifyAppointmentUpdated,
				"Appointment cancelled", withReason("The appointment was cancelled.", reason))
		}
		return nil
	})
}

type RefundRequest struct {
	// Amount defaults to everything still paid.
	Amount int64  `json:"amount" validate:"gte=0"`
	Reason string `json:"reason" validate:"required,max=500"`
}

// Refund returns money to the patient. A cancelled appointment is always
// refunded in full and moves to REFUNDED. A completed or no-show visit keeps
// its status and can be refunded in part.
func (s *Service) Refund(ctx context.Context, actor models.Actor, id uint, req RefundRequest) (*models.Appointment, error) {
	if actor.Role != models.RoleAdmin {
		return nil, apperr.Forbidden("Only admins can issue refunds")
	}
	appt, err := s.mutate(ctx, id, func(tx Tx, appt *models.Appointment, fx *effects) error {
		switch appt.Status {
		case models.StatusCancelled:
			refunded, err := s.refundAll(tx, appt, req.Reason, fx)
			if err != nil {
				return err
			}
			if refunded == 0 {
				return apperr.Conflict("There is no captured payment to refund")
			}
			return nil
		case models.StatusCompleted, models.StatusNoShow:
			return s.refundVisit(tx, appt, req, fx)
		default:
			return apperr.Conflict("Appointments in status %s cannot be refunded", appt.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	s.log.Audit(actor.ID, "refund", fmt.Sprintf("appointment:%d", id), true, map[string]interface{}{
		"amount": req.Amount,
		"reason": req.Reason,
	})
	return appt, nil
}

// refundVisit refunds up to the net paid amount of a finished visit, newest
// invoice first. An invoice refunded in full is marked refunded.
func (s *Service) refundVisit(tx Tx, appt *models.Appointment, req RefundRequest, fx *effects) error {
	payments, err := tx.Payments(appt.ID)
	if err != nil {
		return err
	}
	paid := models.NetPaid(payments)
	if paid <= 0 {
		return apperr.Conflict("There is no captured payment to refund")
	}
	amount := req.Amount
	if amount == 0 {
		amount = paid
	}
	if amount > paid {
		return apperr.Validation("Refund of %d exceeds the %d still paid", amount, paid)
	}

	byInvoice := make(map[uint][]models.Payment)
	for _, p := range payments {
		byInvoice[p.InvoiceID] = append(byInvoice[p.InvoiceID], p)
	}
	invoices, err := tx.Invoices(appt.ID)
	if err != nil {
		return err
	}

	remaining := amount
	for i := len(invoices) - 1; i >= 0 && remaining > 0; i-- {
		inv := &invoices[i]
		net := models.NetPaid(byInvoice[inv.ID])
		if net <= 0 {
			continue
		}
		part := min(net, remaining)
		refund := &models.Payment{
			InvoiceID:     inv.ID,
			AppointmentID: appt.ID,
			UserID:        appt.PatientID,
			Amount:        part,
			Kind:          models.PaymentRefund,
			Method:        refundMethod(byInvoice[inv.ID]),
			Status:        models.PaymentStatusRefunded,
			Reference:     req.Reason,
		}
		if err := tx.CreatePayment(refund); err != nil {
			return fmt.Errorf("record refund: %w", err)
		}
		if part == net {
			inv.Status = models.InvoiceRefunded
			if err := tx.SaveInvoice(inv); err != nil {
				return err
			}
		}
		remaining -= part
		fx.payments = append(fx.payments, paymentOutcome{inv.Type, "refunded"})
	}

	fx.notify(appt.PatientID, appt.ID, models.NotifyRefunded,
		"Refund issued", withReason(fmt.Sprintf("%s will be returned to you.", billing.FormatVND(amount)), req.Reason))
	return nil
}

// refundAll writes a refund row per paid invoice and moves a cancelled
// appointment to REFUNDED. It returns the refunded amount.
func (s *Service) refundAll(tx Tx, appt *models.Appointment, reason string, fx *effects) (int64, error) {
	payments, err := tx.Payments(appt.ID)
	if err != nil {
		return 0, err
	}
	if models.NetPaid(payments) <= 0 {
		return 0, nil
	}
	if appt.Status != models.StatusCancelled {
		return 0, apperr.Conflict("Only cancelled appointments can be refunded")
	}

	byInvoice := make(map[uint][]models.Payment)
	for _, p := range payments {
		byInvoice[p.InvoiceID] = append(byInvoice[p.InvoiceID], p)
	}

	invoices, err := tx.Invoices(appt.ID)
	if err != nil {
		return 0, err
	}
	var total int64
	for i := range invoices {
		inv := &invoices[i]
		net := models.NetPaid(byInvoice[inv.ID])
		if net <= 0 {
			continue
		}
		refund := &models.Payment{
			InvoiceID:     inv.ID,
			AppointmentID: appt.ID,
			UserID:        appt.PatientID,
			Amount:        net,
			Kind:          models.PaymentRefund,
			Method:        refundMethod(byInvoice[inv.ID]),
			Status:        models.PaymentStatusRefunded,
			Reference:     reason,
		}
		if err := tx.CreatePayment(refund); err != nil {
			return 0, fmt.Errorf("record refund: %w", err)
		}
		inv.Status = models.InvoiceRefunded
		if err := tx.SaveInvoice(inv); err != nil {
			return 0, err
		}
		total += net
		fx.payments = append(fx.payments, paymentOutcome{inv.Type, "refunded"})
	}

	if total == 0 {
		return 0, nil
	}
	if err := s.fire(tx, appt, models.SystemActor, lifecycle.EventRefund, reason, fx); err != nil {
		return 0, err
	}
	fx.notify(appt.PatientID, appt.ID, models.NotifyRefunded,
		"Refund issued", fmt.Sprintf("%s will be returned to you.", billing.FormatVND(total)))
	return total, nil
}

func refundMethod(payments []models.Payment) string {
	for _, p := range payments {
		if p.Kind == models.PaymentCapture {
			return p.Method
		}
	}
	return models.MethodManual
}

// Delete hard-deletes an appointment with its invoices, payments and
// history. Admin only.
func (s *Service) Delete(ctx context.Context, actor models.Actor, id uint) error {
	if actor.Role != models.RoleAdmin {
		return apperr.Forbidden("Only admins can delete appointments")
	}
	err := s.store.Tx(ctx, func(tx Tx) error {
		appt, err := tx.LockAppointment(id)
		if err != nil {
			return err
		}
		if lifecycle.HoldsSlot(appt.Status) {
			if err := tx.ReleaseSlot(appt.ScheduleID); err != nil {
				return err
			}
		}
		return tx.DeleteAppointment(id)
	})
	if err != nil {
		return err
	}
	s.log.Audit(actor.ID, "delete", fmt.Sprintf("appointment:%d", id), true, nil)
	return nil
}

func withReason(msg, reason string) string {
	if reason == "" {
		return msg
	}
	return msg + " Reason: " + reason
}
