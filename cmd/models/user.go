package models

import (
	"time"

	"gorm.io/gorm"
)

type Role string

const (
	RoleAdmin         Role = "admin"
	RoleDoctor        Role = "doctor"
	RolePatient       Role = "patient"
	RolePharmacyStaff Role = "pharmacy_staff"

	// RoleSystem is never stored on a user. Webhooks and the sweeper act with it.
	RoleSystem Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDoctor, RolePatient, RolePharmacyStaff:
		return true
	}
	return false
}

// Actor is the authenticated caller of a service operation.
type Actor struct {
	ID   uint
	Role Role
}

// SystemActor is used for transitions driven by payment callbacks and timers.
var SystemActor = Actor{Role: RoleSystem}

type User struct {
	gorm.Model
	FullName              string    `gorm:"column:full_name;size:255;not null" json:"full_name"`
	Email                 string    `gorm:"column:email;size:255;not null;uniqueIndex" json:"email"`
	PasswordHash          string    `gorm:"column:password_hash;size:255;not null" json:"-"`
	Role                  Role      `gorm:"column:role;size:50;not null;index" json:"role"`
	Phone                 string    `gorm:"column:phone;size:20" json:"phone"`
	EmailVerified         bool      `gorm:"column:email_verified;default:false" json:"email_verified"`
	Status                string    `gorm:"column:status;size:50;not null;default:active" json:"status"`
	Refresh               string    `gorm:"column:refresh_token;size:255" json:"-"`
	RefreshTokenExpiredAt time.Time `gorm:"column:refresh_token_expired_at" json:"-"`
	AvatarPath            string    `gorm:"column:avatar_path;size:255" json:"avatar_path"`
	EmailVerificationCode string    `gorm:"size:6" json:"-"`
	VerificationExpiry    time.Time `json:"-"`

	Doctor  *DoctorProfile  `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"doctor,omitempty"`
	Patient *PatientProfile `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"patient,omitempty"`
}

type DoctorProfile struct {
	gorm.Model
	UserID           uint   `gorm:"column:user_id;not null;uniqueIndex" json:"user_id"`
	Specialty        string `gorm:"column:specialty;size:255;index" json:"specialty"`
	Bio              string `gorm:"column:bio;type:text" json:"bio"`
	ConsultationFee  int64  `gorm:"column:consultation_fee;not null;default:0" json:"consultation_fee"`
	RequiresApproval bool   `gorm:"column:requires_approval;default:false" json:"requires_approval"`
	Verified         bool   `gorm:"column:verified;default:false" json:"verified"`
	SlotMinutes      int    `gorm:"column:slot_minutes;default:30" json:"slot_minutes"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}

// PatientProfile carries the national health insurance (BHYT) card used for coverage.
type PatientProfile struct {
	gorm.Model
	UserID         uint       `gorm:"column:user_id;not null;uniqueIndex" json:"user_id"`
	DateOfBirth    *time.Time `gorm:"column:date_of_birth;type:date" json:"date_of_birth,omitempty"`
	Gender         string     `gorm:"column:gender;size:16" json:"gender"`
	Address        string     `gorm:"column:address;size:500" json:"address"`
	BHYTCardNumber string     `gorm:"column:bhyt_card_number;size:32" json:"bhyt_card_number"`
	BHYTValidFrom  *time.Time `gorm:"column:bhyt_valid_from;type:date" json:"bhyt_valid_from,omitempty"`
	BHYTValidTo    *time.Time `gorm:"column:bhyt_valid_to;type:date" json:"bhyt_valid_to,omitempty"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}

func (DoctorProfile) TableName() string {
	return "doctor_profiles"
}

func (PatientProfile) TableName() string {
	return "patient_profiles"
}

// PasswordResetToken is a six digit code emailed to reset a password.
type PasswordResetToken struct {
	gorm.Model
	UserID    uint      `gorm:"column:user_id;not null;index"`
	Token     string    `gorm:"column:token;size:6;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
}
