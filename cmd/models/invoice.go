package models

import (
	"database/sql/driver"
	"time"

	"gorm.io/gorm"
)

type InvoiceType string

const (
	InvoiceConsultation    InvoiceType = "consultation"
	InvoiceFinalSettlement InvoiceType = "final_settlement"
)

type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "pending"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceExpired   InvoiceStatus = "expired"
	InvoiceCancelled InvoiceStatus = "cancelled"
	InvoiceRefunded  InvoiceStatus = "refunded"
)

const (
	ItemConsultation = "consultation"
	ItemBalance      = "balance"
	ItemExtension    = "extension"
	ItemMedication   = "medication"
)

type InvoiceItem struct {
	Description      string `json:"description"`
	Kind             string `json:"kind"`
	Quantity         int    `json:"quantity"`
	UnitPrice        int64  `json:"unit_price"`
	Amount           int64  `json:"amount"`
	InsuranceCovered bool   `json:"insurance_covered"`
	Coverage         int64  `json:"coverage"`
}

type InvoiceItems []InvoiceItem

func (i InvoiceItems) Value() (driver.Value, error) {
	if i == nil {
		return "[]", nil
	}
	return jsonValue(i)
}

func (i *InvoiceItems) Scan(src interface{}) error {
	return scanJSON(src, i)
}

// Invoice is unique per (appointment, type).
type Invoice struct {
	gorm.Model
	AppointmentID     uint          `gorm:"column:appointment_id;not null;uniqueIndex:idx_invoice_appointment_type" json:"appointment_id"`
	Type              InvoiceType   `gorm:"column:type;size:20;not null;uniqueIndex:idx_invoice_appointment_type" json:"type"`
	PatientID         uint          `gorm:"column:patient_id;not null;index" json:"patient_id"`
	Items             InvoiceItems  `gorm:"column:items;type:jsonb" json:"items"`
	Subtotal          int64         `gorm:"column:subtotal;not null" json:"subtotal"`
	InsuranceCoverage int64         `gorm:"column:insurance_coverage;default:0" json:"insurance_coverage"`
	PatientAmount     int64         `gorm:"column:patient_amount;not null" json:"patient_amount"`
	AmountDue         int64         `gorm:"column:amount_due;not null" json:"amount_due"`
	Status            InvoiceStatus `gorm:"column:status;size:20;not null;index" json:"status"`
	DueDate           time.Time     `gorm:"column:due_date;index" json:"due_date"`
	OrderCode         *int64        `gorm:"column:order_code;uniqueIndex" json:"order_code,omitempty"`
	LinkAttempts      int           `gorm:"column:link_attempts;default:0" json:"-"`
	PaymentLinkID     string        `gorm:"column:payment_link_id;size:64" json:"payment_link_id,omitempty"`
	CheckoutURL       string        `gorm:"column:checkout_url;size:500" json:"checkout_url,omitempty"`
	PaidAt            *time.Time    `gorm:"column:paid_at" json:"paid_at,omitempty"`

	Appointment *Appointment `gorm:"foreignKey:AppointmentID" json:"appointment,omitempty"`
}
