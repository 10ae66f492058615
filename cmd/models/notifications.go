package models

import (
	"time"

	"gorm.io/gorm"
)

type Device struct {
	gorm.Model
	Token      string `gorm:"not null;uniqueIndex:idx_token_user" json:"token"`
	UserID     uint   `gorm:"not null;index;uniqueIndex:idx_token_user" json:"user_id"`
	DeviceType string `gorm:"type:varchar(50)" json:"device_type"`
	DeviceName string `gorm:"type:varchar(100)" json:"device_name,omitempty"`
}

// BroadcastRequest represents a request to broadcast to all devices
type BroadcastRequest struct {
	Title   string            `json:"title" validate:"required"`
	Body    string            `json:"body" validate:"required"`
	Data    map[string]string `json:"data,omitempty"`
	UserIDs []uint            `json:"user_ids,omitempty"`
}

const (
	NotifyBookingRequested   = "booking_requested"
	NotifyPaymentRequired    = "payment_required"
	NotifyAppointmentUpdated = "appointment_updated"
	NotifyPaymentReceived    = "payment_received"
	NotifyHoldExpired        = "hold_expired"
	NotifyExtensionRequested = "extension_requested"
	NotifySettlementDue      = "settlement_due"
	NotifyRefunded           = "refunded"
	NotifyBroadcast          = "broadcast"
)

// Notification is persisted per user and fanned out over websocket and push.
type Notification struct {
	gorm.Model
	UserID        uint       `gorm:"index;not null" json:"user_id"`
	Type          string     `gorm:"type:varchar(40);not null" json:"type"`
	Title         string     `json:"title"`
	Body          string     `json:"body"`
	AppointmentID *uint      `gorm:"index" json:"appointment_id,omitempty"`
	Status        string     `gorm:"type:varchar(20)" json:"status"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
	SentAt        time.Time  `json:"sent_at"`
}
