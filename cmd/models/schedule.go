package models

import (
	"time"

	"gorm.io/gorm"
)

type ScheduleStatus string

const (
	SchedulePending  ScheduleStatus = "pending"
	ScheduleAccepted ScheduleStatus = "accepted"
	ScheduleRejected ScheduleStatus = "rejected"
	ScheduleBusy     ScheduleStatus = "busy"
)

// DoctorSchedule is a bookable time slot. Only accepted, unbooked slots can be claimed.
type DoctorSchedule struct {
	gorm.Model
	DoctorID  uint           `gorm:"column:doctor_id;not null;index" json:"doctor_id"`
	Date      time.Time      `gorm:"column:date;type:date;not null;index" json:"date"`
	StartTime time.Time      `gorm:"column:start_time;not null" json:"start_time"`
	EndTime   time.Time      `gorm:"column:end_time;not null" json:"end_time"`
	IsBooked  bool           `gorm:"column:is_booked;not null;default:false" json:"is_booked"`
	Status    ScheduleStatus `gorm:"column:status;size:20;not null;default:pending" json:"status"`
	Note      string         `gorm:"column:note;type:text" json:"note"`

	Doctor *User `gorm:"foreignKey:DoctorID" json:"doctor,omitempty"`
}

func (DoctorSchedule) TableName() string {
	return "doctor_schedules"
}
