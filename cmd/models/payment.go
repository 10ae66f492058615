package models

import (
	"gorm.io/gorm"
)

type PaymentKind string

const (
	PaymentCapture PaymentKind = "capture"
	PaymentRefund  PaymentKind = "refund"
)

const (
	MethodPayOS     = "payos"
	MethodCash      = "cash"
	MethodManual    = "manual"
	MethodInsurance = "insurance"
)

const (
	PaymentStatusCaptured = "captured"
	PaymentStatusRefunded = "refunded"
	PaymentStatusFailed   = "failed"
)

// Payment is a money movement against an invoice. Refunds are stored as
// separate rows so the net paid amount is captures minus refunds.
type Payment struct {
	gorm.Model
	InvoiceID     uint        `gorm:"column:invoice_id;not null;index" json:"invoice_id"`
	AppointmentID uint        `gorm:"column:appointment_id;not null;index" json:"appointment_id"`
	UserID        uint        `gorm:"column:user_id;not null;index" json:"user_id"`
	Amount        int64       `gorm:"column:amount;not null" json:"amount"`
	Kind          PaymentKind `gorm:"column:kind;size:10;not null" json:"kind"`
	Method        string      `gorm:"column:method;size:20;not null" json:"method"`
	Status        string      `gorm:"column:status;size:20;not null" json:"status"`
	Reference     string      `gorm:"column:reference;size:100" json:"reference,omitempty"`
	Raw           string      `gorm:"column:raw;type:text" json:"-"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// NetPaid returns captures minus refunds.
func NetPaid(payments []Payment) int64 {
	var total int64
	for _, p := range payments {
		if p.Status == PaymentStatusFailed {
			continue
		}
		switch p.Kind {
		case PaymentCapture:
			total += p.Amount
		case PaymentRefund:
			total -= p.Amount
		}
	}
	return total
}
