package models

import (
	"database/sql/driver"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

type ExtensionStatus string

const (
	ExtensionNone           ExtensionStatus = "none"
	ExtensionPendingConsent ExtensionStatus = "pending_consent"
	ExtensionAccepted       ExtensionStatus = "accepted"
	ExtensionDeclined       ExtensionStatus = "declined"
)

// Extension is a doctor's request to run a consultation past its slot.
// The patient has to consent before it is billed.
type Extension struct {
	Status      ExtensionStatus `gorm:"column:status;size:20;default:none" json:"status"`
	Minutes     int             `gorm:"column:minutes" json:"minutes"`
	Fee         int64           `gorm:"column:fee" json:"fee"`
	Reason      string          `gorm:"column:reason;size:500" json:"reason,omitempty"`
	RequestedAt *time.Time      `gorm:"column:requested_at" json:"requested_at,omitempty"`
	DecidedAt   *time.Time      `gorm:"column:decided_at" json:"decided_at,omitempty"`
}

func (e Extension) Pending() bool {
	return e.Status == ExtensionPendingConsent
}

// Reschedule records the last slot change proposed by the doctor.
type Reschedule struct {
	PreviousScheduleID uint       `gorm:"column:previous_schedule_id" json:"previous_schedule_id,omitempty"`
	ProposedScheduleID uint       `gorm:"column:proposed_schedule_id" json:"proposed_schedule_id,omitempty"`
	Reason             string     `gorm:"column:reason;size:500" json:"reason,omitempty"`
	ProposedAt         *time.Time `gorm:"column:proposed_at" json:"proposed_at,omitempty"`
}

type AppointmentMeta struct {
	Reschedule Reschedule `gorm:"embedded;embeddedPrefix:reschedule_" json:"reschedule"`
}

type PrescriptionItem struct {
	Drug             string `json:"drug" validate:"required"`
	Dosage           string `json:"dosage"`
	Quantity         int    `json:"quantity" validate:"gte=1"`
	Instructions     string `json:"instructions,omitempty"`
	UnitPrice        int64  `json:"unit_price" validate:"gte=0"`
	InsuranceCovered bool   `json:"insurance_covered"`
	Dispensed        bool   `json:"dispensed"`
}

type PrescriptionItems []PrescriptionItem

func (p PrescriptionItems) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	return jsonValue(p)
}

func (p *PrescriptionItems) Scan(src interface{}) error {
	return scanJSON(src, p)
}

type Appointment struct {
	gorm.Model
	PatientID  uint   `gorm:"column:patient_id;not null;index" json:"patient_id"`
	DoctorID   uint   `gorm:"column:doctor_id;not null;index" json:"doctor_id"`
	ScheduleID uint   `gorm:"column:schedule_id;not null;index" json:"schedule_id"`
	Status     Status `gorm:"column:status;size:32;not null;index" json:"status"`

	// Amounts are whole VND.
	ConsultationFee   int64   `gorm:"column:consultation_fee;not null" json:"consultation_fee"`
	CoverageRate      float64 `gorm:"column:coverage_rate;default:0" json:"coverage_rate"`
	InsuranceCoverage int64   `gorm:"column:insurance_coverage;default:0" json:"insurance_coverage"`
	TotalAmount       int64   `gorm:"column:total_amount;not null" json:"total_amount"`
	PatientAmount     int64   `gorm:"column:patient_amount;not null" json:"patient_amount"`
	DepositAmount     int64   `gorm:"column:deposit_amount;not null" json:"deposit_amount"`
	ApprovalRequired  bool    `gorm:"column:approval_required;default:false" json:"approval_required"`

	HoldExpiresAt *time.Time `gorm:"column:hold_expires_at;index" json:"hold_expires_at,omitempty"`

	Symptoms     pq.StringArray    `gorm:"column:symptoms;type:text[]" json:"symptoms"`
	Diagnosis    string            `gorm:"column:diagnosis;type:text" json:"diagnosis,omitempty"`
	DoctorNote   string            `gorm:"column:doctor_note;type:text" json:"doctor_note,omitempty"`
	Prescription PrescriptionItems `gorm:"column:prescription;type:jsonb" json:"prescription"`
	CancelReason string            `gorm:"column:cancel_reason;size:500" json:"cancel_reason,omitempty"`
	StartedAt    *time.Time        `gorm:"column:started_at" json:"started_at,omitempty"`
	EndedAt      *time.Time        `gorm:"column:ended_at" json:"ended_at,omitempty"`

	Extension Extension       `gorm:"embedded;embeddedPrefix:extension_" json:"extension"`
	Meta      AppointmentMeta `gorm:"embedded" json:"meta"`

	Patient  *User           `gorm:"foreignKey:PatientID" json:"patient,omitempty"`
	Doctor   *User           `gorm:"foreignKey:DoctorID" json:"doctor,omitempty"`
	Schedule *DoctorSchedule `gorm:"foreignKey:ScheduleID" json:"schedule,omitempty"`
}

// AppointmentEvent is one row of an appointment's status history.
type AppointmentEvent struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	AppointmentID uint      `gorm:"column:appointment_id;not null;index" json:"appointment_id"`
	Event         string    `gorm:"column:event;size:40;not null" json:"event"`
	FromStatus    Status    `gorm:"column:from_status;size:32" json:"from_status"`
	ToStatus      Status    `gorm:"column:to_status;size:32;not null" json:"to_status"`
	ActorID       uint      `gorm:"column:actor_id" json:"actor_id"`
	ActorRole     Role      `gorm:"column:actor_role;size:20" json:"actor_role"`
	Note          string    `gorm:"column:note;size:500" json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
