package appointment

import (
	"context"
	"fmt"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/service/billing"
	"github.com/KAsare1/medibook-server/service/lifecycle"
)

// Capture describes money received for an invoice, either from the payment
// gateway (by order code) or recorded by an admin (by invoice id).
type Capture struct {
	InvoiceID uint
	OrderCode int64
	// Amount defaults to the amount due when zero.
	Amount    int64
	Method    string
	Reference string
	Raw       string
}

const (
	OutcomeCaptured     = "captured"
	OutcomeDuplicate    = "duplicate"
	OutcomeLateRefunded = "late_refunded"
	OutcomeUnapplied    = "unapplied"
)

// Settlement is the result of applying a Capture.
type Settlement struct {
	Outcome     string              `json:"outcome"`
	Invoice     *models.Invoice     `json:"invoice"`
	Appointment *models.Appointment `json:"appointment"`
}

// lockForInvoice locks the appointment of an invoice and then the invoice,
// the same order every other mutation takes them in.
func lockForInvoice(tx Tx, inv *models.Invoice) (*models.Appointment, *models.Invoice, error) {
	appt, err := tx.LockAppointment(inv.AppointmentID)
	if err != nil {
		return nil, nil, err
	}
	locked, err := tx.LockInvoice(inv.ID)
	if err != nil {
		return nil, nil, err
	}
	return appt, locked, nil
}

func findInvoice(tx Tx, invoiceID uint, orderCode int64) (*models.Invoice, error) {
	if invoiceID != 0 {
		return tx.GetInvoice(invoiceID)
	}
	return tx.GetInvoiceByOrderCode(orderCode)
}

// ConfirmPayment applies a capture. It is idempotent: a second confirmation
// of a paid invoice changes nothing. Money that arrives after the hold was
// released is recorded and refunded straight away. Money for a cancelled
// checkout of an approved appointment still confirms it.
func (s *Service) ConfirmPayment(ctx context.Context, c Capture) (*Settlement, error) {
	fx := &effects{}
	out := &Settlement{}

	err := s.store.Tx(ctx, func(tx Tx) error {
		found, err := findInvoice(tx, c.InvoiceID, c.OrderCode)
		if err != nil {
			return err
		}
		appt, inv, err := lockForInvoice(tx, found)
		if err != nil {
			return err
		}
		out.Appointment, out.Invoice = appt, inv

		if inv.Status == models.InvoicePaid {
			out.Outcome = OutcomeDuplicate
			return nil
		}

		amount := c.Amount
		if amount == 0 {
			amount = inv.AmountDue
		}
		if amount < inv.AmountDue {
			return apperr.Validation("Paid amount %d is less than the amount due %d", amount, inv.AmountDue)
		}

		switch {
		case inv.Status == models.InvoicePending && inv.Type == models.InvoiceConsultation && appt.Status == models.StatusAwaitPayment,
			inv.Status == models.InvoicePending && inv.Type == models.InvoiceFinalSettlement && appt.Status == models.StatusAwaitSettlement:
			out.Outcome = OutcomeCaptured
			if err := s.capture(tx, appt, inv, amount, c.Method, c.Reference, c.Raw, fx); err != nil {
				return err
			}
		case inv.Status == models.InvoiceCancelled && inv.Type == models.InvoiceConsultation && appt.Status == models.StatusDoctorApproved:
			out.Outcome = OutcomeCaptured
			if err := s.fire(tx, appt, models.SystemActor, lifecycle.EventRequestPayment, c.Reference, fx); err != nil {
				return err
			}
			if err := s.capture(tx, appt, inv, amount, c.Method, c.Reference, c.Raw, fx); err != nil {
				return err
			}
		case inv.Type == models.InvoiceConsultation && inv.Status != models.InvoiceRefunded && !lifecycle.HoldsSlot(appt.Status):
			out.Outcome = OutcomeLateRefunded
			if err := s.refundLate(tx, appt, inv, amount, c, fx); err != nil {
				return err
			}
		default:
			return apperr.Conflict("Invoice %d cannot take a payment in status %s", inv.ID, inv.Status)
		}
		return s.commit(tx, appt, fx)
	})
	if err != nil {
		return nil, err
	}

	if out.Outcome != OutcomeDuplicate {
		s.publish(ctx, out.Appointment, fx)
	}
	return out, nil
}

// CaptureInvoice records a cash or manual payment of the full amount due.
func (s *Service) CaptureInvoice(ctx context.Context, actor models.Actor, invoiceID uint, method, reference string) (*Settlement, error) {
	if actor.Role != models.RoleAdmin {
		return nil, apperr.Forbidden("Only admins can record payments")
	}
	if method != models.MethodCash && method != models.MethodManual {
		return nil, apperr.Validation("method must be cash or manual")
	}
	res, err := s.ConfirmPayment(ctx, Capture{InvoiceID: invoiceID, Method: method, Reference: reference})
	if err != nil {
		return nil, err
	}
	s.log.Audit(actor.ID, "capture", fmt.Sprintf("invoice:%d", invoiceID), true, map[string]interface{}{
		"method":  method,
		"outcome": res.Outcome,
	})
	return res, nil
}

// capture marks inv paid and advances the appointment: a consultation
// invoice confirms it, a settlement invoice completes it.
func (s *Service) capture(tx Tx, appt *models.Appointment, inv *models.Invoice, amount int64, method, reference, raw string, fx *effects) error {
	now := s.now()
	if amount > 0 {
		err := tx.CreatePayment(&models.Payment{
			InvoiceID:     inv.ID,
			AppointmentID: appt.ID,
			UserID:        appt.PatientID,
			Amount:        amount,
			Kind:          models.PaymentCapture,
			Method:        method,
			Status:        models.PaymentStatusCaptured,
			Reference:     reference,
			Raw:           raw,
		})
		if err != nil {
			return fmt.Errorf("record payment: %w", err)
		}
	}

	inv.Status = models.InvoicePaid
	inv.PaidAt = &now
	inv.CheckoutURL = ""
	if err := tx.SaveInvoice(inv); err != nil {
		return fmt.Errorf("mark invoice paid: %w", err)
	}
	fx.payments = append(fx.payments, paymentOutcome{inv.Type, OutcomeCaptured})

	switch inv.Type {
	case models.InvoiceConsultation:
		if err := s.fire(tx, appt, models.SystemActor, lifecycle.EventPay, reference, fx); err != nil {
			return err
		}
		fx.openChat = true
		fx.notify(appt.PatientID, appt.ID, models.NotifyPaymentReceived,
			"Appointment confirmed", fmt.Sprintf("We received %s. Your appointment is confirmed.", billing.FormatVND(amount)))
		fx.notify(appt.DoctorID, appt.ID, models.NotifyAppointmentUpdated,
			"Appointment confirmed", "A patient confirmed an appointment with you.")
	case models.InvoiceFinalSettlement:
		if err := s.fire(tx, appt, models.SystemActor, lifecycle.EventComplete, reference, fx); err != nil {
			return err
		}
		fx.notify(appt.PatientID, appt.ID, models.NotifyPaymentReceived,
			"Payment received", fmt.Sprintf("We received %s. Your visit is complete.", billing.FormatVND(amount)))
	}
	return nil
}

func (s *Service) refundLate(tx Tx, appt *models.Appointment, inv *models.Invoice, amount int64, c Capture, fx *effects) error {
	if err := recordReturned(tx, appt, inv, amount, c, "hold released before payment"); err != nil {
		return err
	}

	now := s.now()
	inv.Status = models.InvoiceRefunded
	inv.PaidAt = &now
	inv.CheckoutURL = ""
	if err := tx.SaveInvoice(inv); err != nil {
		return err
	}
	fx.payments = append(fx.payments, paymentOutcome{inv.Type, OutcomeLateRefunded})
	fx.notify(appt.PatientID, appt.ID, models.NotifyRefunded,
		"Payment refunded",
		fmt.Sprintf("Your payment of %s arrived after the slot was released and will be refunded.", billing.FormatVND(amount)))
	return nil
}

// recordReturned writes a capture and the refund that cancels it out.
func recordReturned(tx Tx, appt *models.Appointment, inv *models.Invoice, amount int64, c Capture, note string) error {
	for _, p := range []*models.Payment{
		{Kind: models.PaymentCapture, Status: models.PaymentStatusCaptured, Reference: c.Reference, Raw: c.Raw},
		{Kind: models.PaymentRefund, Status: models.PaymentStatusRefunded, Reference: note},
	} {
		p.InvoiceID = inv.ID
		p.AppointmentID = appt.ID
		p.UserID = appt.PatientID
		p.Amount = amount
		p.Method = c.Method
		if err := tx.CreatePayment(p); err != nil {
			return fmt.Errorf("record returned payment: %w", err)
		}
	}
	return nil
}

// RefundUnapplied records gateway money that ConfirmPayment refused, with
// the refund that returns it. The invoice and the appointment keep their
// status. A retried notification with the same reference is ignored.
func (s *Service) RefundUnapplied(ctx context.Context, c Capture, reason string) error {
	if c.Amount <= 0 {
		return apperr.Validation("Nothing was paid")
	}
	fx := &effects{}
	var appt *models.Appointment

	err := s.store.Tx(ctx, func(tx Tx) error {
		found, err := findInvoice(tx, c.InvoiceID, c.OrderCode)
		if err != nil {
			return err
		}
		a, inv, err := lockForInvoice(tx, found)
		if err != nil {
			return err
		}
		appt = a

		payments, err := tx.Payments(appt.ID)
		if err != nil {
			return err
		}
		for _, p := range payments {
			if c.Reference != "" && p.InvoiceID == inv.ID && p.Kind == models.PaymentCapture && p.Reference == c.Reference {
				return nil
			}
		}

		if err := recordReturned(tx, appt, inv, c.Amount, c, reason); err != nil {
			return err
		}
		fx.payments = append(fx.payments, paymentOutcome{inv.Type, OutcomeUnapplied})
		fx.notify(appt.PatientID, appt.ID, models.NotifyRefunded,
			"Payment refunded",
			withReason(fmt.Sprintf("Your payment of %s could not be applied and will be refunded.", billing.FormatVND(c.Amount)), reason))
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, appt, fx)
	return nil
}

// CancelPaymentLink handles the gateway's cancel callback. An approval-flow
// hold goes back to DOCTOR_APPROVED and keeps its original due date; an
// instant booking keeps its hold and only loses the link, so the patient can
// check out again before expiry.
func (s *Service) CancelPaymentLink(ctx context.Context, orderCode int64, reason string) (*models.Appointment, error) {
	fx := &effects{}
	var appt *models.Appointment

	err := s.store.Tx(ctx, func(tx Tx) error {
		found, err := tx.GetInvoiceByOrderCode(orderCode)
		if err != nil {
			return err
		}
		a, inv, err := lockForInvoice(tx, found)
		if err != nil {
			return err
		}
		appt = a
		if inv.Status != models.InvoicePending || inv.Type != models.InvoiceConsultation || appt.Status != models.StatusAwaitPayment {
			return nil
		}

		inv.CheckoutURL = ""
		inv.PaymentLinkID = ""
		inv.OrderCode = nil
		if appt.ApprovalRequired {
			inv.Status = models.InvoiceCancelled
			if err := s.fire(tx, appt, models.SystemActor, lifecycle.EventPaymentCancelled, reason, fx); err != nil {
				return err
			}
			fx.notify(appt.PatientID, appt.ID, models.NotifyAppointmentUpdated,
				"Payment cancelled", "Your payment was cancelled. You can pay again from the appointment.")
		}
		if err := tx.SaveInvoice(inv); err != nil {
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

// ExpireHold releases the slot of an unpaid hold, including an approved
// appointment whose checkout was cancelled and never reopened. The invoice is
// re-checked under lock so a payment that committed first wins; ok is false
// then.
func (s *Service) ExpireHold(ctx context.Context, invoiceID uint) (ok bool, err error) {
	fx := &effects{}
	var appt *models.Appointment

	err = s.store.Tx(ctx, func(tx Tx) error {
		found, err := tx.GetInvoice(invoiceID)
		if err != nil {
			return err
		}
		a, inv, err := lockForInvoice(tx, found)
		if err != nil {
			return err
		}
		appt = a
		if inv.Type != models.InvoiceConsultation || !inv.DueDate.Before(s.now()) {
			return nil
		}
		held := inv.Status == models.InvoicePending && appt.Status == models.StatusAwaitPayment
		abandoned := inv.Status == models.InvoiceCancelled && appt.Status == models.StatusDoctorApproved
		if !held && !abandoned {
			return nil
		}

		if err := s.fire(tx, appt, models.SystemActor, lifecycle.EventExpire, "payment hold expired", fx); err != nil {
			return err
		}
		inv.Status = models.InvoiceExpired
		inv.CheckoutURL = ""
		if err := tx.SaveInvoice(inv); err != nil {
			return err
		}
		fx.notify(appt.PatientID, appt.ID, models.NotifyHoldExpired,
			"Payment window expired", "The slot was released because payment was not received in time.")
		ok = true
		return s.commit(tx, appt, fx)
	})
	if err != nil {
		return false, err
	}
	if ok {
		s.publish(ctx, appt, fx)
	}
	return ok, nil
}

// PaymentLink is a checkout session created at the payment gateway.
type PaymentLink struct {
	ID          string
	CheckoutURL string
}

// LinkCreator creates a gateway checkout for inv under orderCode.
type LinkCreator func(ctx context.Context, inv *models.Invoice, orderCode int64) (PaymentLink, error)

// Checkout returns the invoice with a live checkout link, creating one when
// it has none. The invoice stays locked while the link is created so two
// requests never open two links.
func (s *Service) Checkout(ctx context.Context, actor models.Actor, invoiceID uint, create LinkCreator) (*models.Invoice, error) {
	var out *models.Invoice
	err := s.store.Tx(ctx, func(tx Tx) error {
		found, err := tx.GetInvoice(invoiceID)
		if err != nil {
			return err
		}
		appt, inv, err := lockForInvoice(tx, found)
		if err != nil {
			return err
		}
		if err := authorize(actor, appt); err != nil {
			return err
		}
		out = inv

		if inv.Status != models.InvoicePending {
			return apperr.Conflict("Invoice is %s", inv.Status)
		}
		switch inv.Type {
		case models.InvoiceConsultation:
			if appt.Status != models.StatusAwaitPayment || !inv.DueDate.After(s.now()) {
				return apperr.Conflict("The payment window for this appointment has closed")
			}
		case models.InvoiceFinalSettlement:
			if appt.Status != models.StatusAwaitSettlement {
				return apperr.Conflict("This appointment has no settlement due")
			}
		}
		if inv.OrderCode != nil && inv.CheckoutURL != "" {
			return nil
		}
		if inv.LinkAttempts >= maxLinkAttempts {
			return apperr.Conflict("Too many payment links were opened for this invoice")
		}

		inv.LinkAttempts++
		code := OrderCode(inv.ID, inv.LinkAttempts)
		link, err := create(ctx, inv, code)
		if err != nil {
			return err
		}
		inv.OrderCode = &code
		inv.PaymentLinkID = link.ID
		inv.CheckoutURL = link.CheckoutURL
		return tx.SaveInvoice(inv)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// maxLinkAttempts keeps the attempt inside the three digits OrderCode
// reserves for it.
const maxLinkAttempts = 999

// OrderCode derives a gateway order code that is unique per link attempt.
// attempt must be between 1 and maxLinkAttempts.
func OrderCode(invoiceID uint, attempt int) int64 {
	return int64(invoiceID)*1000 + int64(attempt)
}
