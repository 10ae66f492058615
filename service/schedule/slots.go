// Package schedule manages the bookable time slots of doctors.
package schedule

import (
	"time"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	"gorm.io/gorm"
)

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Split cuts [start, end) into consecutive windows of the given length. A
// tail shorter than one slot is dropped.
func Split(start, end time.Time, length time.Duration) []Window {
	if length <= 0 {
		return nil
	}
	var windows []Window
	for t := start; !t.Add(length).After(end); t = t.Add(length) {
		windows = append(windows, Window{Start: t, End: t.Add(length)})
	}
	return windows
}

func validateWindow(w Window, now time.Time) error {
	if !w.End.After(w.Start) {
		return apperr.Validation("End time must be after start time")
	}
	if !w.Start.After(now) {
		return apperr.Validation("Slots must start in the future")
	}
	if w.End.Sub(w.Start) > 8*time.Hour {
		return apperr.Validation("A slot cannot be longer than 8 hours")
	}
	return nil
}

// overlapping returns the doctor's live slots that overlap w. Rejected slots
// do not count; exclude skips the slot being edited.
func overlapping(db *gorm.DB, doctorID uint, w Window, exclude uint) ([]models.DoctorSchedule, error) {
	query := db.Where("doctor_id = ? AND status <> ? AND start_time < ? AND end_time > ?",
		doctorID, models.ScheduleRejected, w.End, w.Start)
	if exclude != 0 {
		query = query.Where("id <> ?", exclude)
	}
	var slots []models.DoctorSchedule
	if err := query.Find(&slots).Error; err != nil {
		return nil, apperr.Internal("Database error", err)
	}
	return slots, nil
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
