package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	notification "github.com/KAsare1/medibook-server/service/notifications"
	"gorm.io/gorm"
)

// Receipts loads invoices with their parties and emails them as PDF.
type Receipts struct {
	db     *gorm.DB
	mailer *notification.Mailer
}

func NewReceipts(db *gorm.DB, mailer *notification.Mailer) *Receipts {
	return &Receipts{db: db, mailer: mailer}
}

// Load returns the invoice with its appointment, patient and doctor.
func (r *Receipts) Load(ctx context.Context, invoiceID uint) (*models.Invoice, error) {
	var inv models.Invoice
	err := r.db.WithContext(ctx).
		Preload("Appointment").
		Preload("Appointment.Patient").
		Preload("Appointment.Doctor").
		First(&inv, invoiceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("Invoice not found")
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func Render(inv *models.Invoice) ([]byte, error) {
	var patient, doctor *models.User
	if inv.Appointment != nil {
		patient, doctor = inv.Appointment.Patient, inv.Appointment.Doctor
	}
	return RenderPDF(inv, patient, doctor)
}

// Send emails the invoice PDF to the patient.
func (r *Receipts) Send(ctx context.Context, invoiceID uint) error {
	inv, err := r.Load(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv.Appointment == nil || inv.Appointment.Patient == nil {
		return apperr.Conflict("Invoice %d has no patient to send to", invoiceID)
	}
	pdf, err := Render(inv)
	if err != nil {
		return fmt.Errorf("render invoice %d: %w", invoiceID, err)
	}

	patient := inv.Appointment.Patient
	subject := fmt.Sprintf("Medibook invoice #%d", inv.ID)
	body := fmt.Sprintf("Hello %s,\n\nPlease find invoice #%d attached.\nAmount due: %s\nStatus: %s\n\nMedibook Clinic",
		patient.FullName, inv.ID, FormatVND(inv.AmountDue), inv.Status)
	return r.mailer.Send(patient.Email, subject, body, notification.Attachment{
		Name:    fmt.Sprintf("invoice-%d.pdf", inv.ID),
		Content: pdf,
	})
}
