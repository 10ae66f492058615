package schedule

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/logger"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type ScheduleHandler struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

func NewScheduleHandler(db *gorm.DB, log *logger.Logger) *ScheduleHandler {
	return &ScheduleHandler{db: db, log: log, now: time.Now}
}

func (h *ScheduleHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/schedules", h.CreateSchedule).Methods("POST")
	router.HandleFunc("/schedules/batch", h.CreateBatch).Methods("POST")
	router.HandleFunc("/schedules/{id}", h.UpdateSchedule).Methods("PUT")
	router.HandleFunc("/schedules/{id}", h.DeleteSchedule).Methods("DELETE")
	router.HandleFunc("/schedules/{id}/busy", h.MarkBusy).Methods("POST")
	router.HandleFunc("/doctors/{id}/schedules", h.ListDoctorSchedules).Methods("GET")

	admin := router.PathPrefix("/admin/schedules").Subrouter()
	admin.Use(utils.RequireRole(models.RoleAdmin))
	admin.HandleFunc("", h.ListForReview).Methods("GET")
	admin.HandleFunc("/{id}/review", h.ReviewSchedule).Methods("POST")
}

type SlotRequest struct {
	// DoctorID is only read for admins creating slots on a doctor's behalf.
	DoctorID  uint      `json:"doctor_id"`
	StartTime time.Time `json:"start_time" validate:"required"`
	EndTime   time.Time `json:"end_time" validate:"required"`
	Note      string    `json:"note" validate:"max=500"`
}

// ownerFor resolves whose schedule the caller is editing.
func ownerFor(actor models.Actor, doctorID uint) (uint, error) {
	switch actor.Role {
	case models.RoleDoctor:
		return actor.ID, nil
	case models.RoleAdmin:
		if doctorID == 0 {
			return 0, apperr.Validation("doctor_id is required")
		}
		return doctorID, nil
	}
	return 0, apperr.Forbidden("Only doctors can manage schedules")
}

// CreateSchedule adds one slot. Slots start pending until an admin reviews them.
func (h *ScheduleHandler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	var req SlotRequest
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}
	doctorID, err := ownerFor(actor, req.DoctorID)
	if err != nil {
		utils.RespondError(w, err)
		return
	}

	win := Window{Start: req.StartTime, End: req.EndTime}
	if err := validateWindow(win, h.now()); err != nil {
		utils.RespondError(w, err)
		return
	}
	clash, err := overlapping(h.db, doctorID, win, 0)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	if len(clash) > 0 {
		utils.RespondError(w, apperr.Conflict("Time slot overlaps with existing schedule %d", clash[0].ID))
		return
	}

	slot := models.DoctorSchedule{
		DoctorID:  doctorID,
		Date:      dateOf(win.Start),
		StartTime: win.Start,
		EndTime:   win.End,
		Status:    h.initialStatus(actor),
		Note:      req.Note,
	}
	if err := h.db.Create(&slot).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error creating schedule", err))
		return
	}
	utils.RespondJSON(w, http.StatusCreated, slot)
}

// initialStatus accepts slots created by an admin straight away.
func (h *ScheduleHandler) initialStatus(actor models.Actor) models.ScheduleStatus {
	if actor.Role == models.RoleAdmin {
		return models.ScheduleAccepted
	}
	return models.SchedulePending
}

type BatchRequest struct {
	DoctorID uint      `json:"doctor_id"`
	From     time.Time `json:"from" validate:"required"`
	To       time.Time `json:"to" validate:"required"`
	// Minutes defaults to the doctor's slot length.
	Minutes int `json:"minutes" validate:"omitempty,min=5,max=240"`
}

// CreateBatch splits [from, to) into slots and creates those that do not
// overlap an existing one.
func (h *ScheduleHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	var req BatchRequest
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}
	doctorID, err := ownerFor(actor, req.DoctorID)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	if !req.To.After(req.From) || !req.From.After(h.now()) {
		utils.RespondError(w, apperr.Validation("from must be in the future and before to"))
		return
	}
	if req.To.Sub(req.From) > 24*time.Hour {
		utils.RespondError(w, apperr.Validation("A batch cannot span more than 24 hours"))
		return
	}

	minutes := req.Minutes
	if minutes == 0 {
		var profile models.DoctorProfile
		if err := h.db.Where("user_id = ?", doctorID).First(&profile).Error; err != nil {
			utils.RespondError(w, apperr.NotFound("Doctor profile not found"))
			return
		}
		minutes = profile.SlotMinutes
		if minutes <= 0 {
			minutes = 30
		}
	}

	windows := Split(req.From, req.To, time.Duration(minutes)*time.Minute)
	if len(windows) == 0 {
		utils.RespondError(w, apperr.Validation("The range is shorter than one slot"))
		return
	}

	var created []models.DoctorSchedule
	skipped := 0
	err = h.db.Transaction(func(tx *gorm.DB) error {
		existing, err := overlapping(tx, doctorID, Window{Start: req.From, End: req.To}, 0)
		if err != nil {
			return err
		}
		for _, win := range windows {
			if clashes(existing, win) {
				skipped++
				continue
			}
			created = append(created, models.DoctorSchedule{
				DoctorID:  doctorID,
				Date:      dateOf(win.Start),
				StartTime: win.Start,
				EndTime:   win.End,
				Status:    h.initialStatus(actor),
			})
		}
		if len(created) == 0 {
			return nil
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		utils.RespondError(w, apperr.Internal("Error creating schedules", err))
		return
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]interface{}{
		"created":   len(created),
		"skipped":   skipped,
		"schedules": created,
	})
}

func clashes(existing []models.DoctorSchedule, win Window) bool {
	for _, s := range existing {
		if win.Overlaps(Window{Start: s.StartTime, End: s.EndTime}) {
			return true
		}
	}
	return false
}

// ListDoctorSchedules lists a doctor's slots between from and to
// (YYYY-MM-DD, default the next 14 days). Patients only ever see bookable
// slots; the doctor and admins see all and may pass bookable=true.
func (h *ScheduleHandler) ListDoctorSchedules(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	doctorID, err := utils.PathID(r, "id")
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	q := r.URL.Query()

	from := dateOf(h.now())
	to := from.AddDate(0, 0, 14)
	if raw := q.Get("from"); raw != "" {
		if from, err = time.Parse("2006-01-02", raw); err != nil {
			utils.RespondError(w, apperr.Validation("Invalid from, expected YYYY-MM-DD"))
			return
		}
	}
	if raw := q.Get("to"); raw != "" {
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			utils.RespondError(w, apperr.Validation("Invalid to, expected YYYY-MM-DD"))
			return
		}
		to = d.AddDate(0, 0, 1)
	}
	if to.Sub(from) > 92*24*time.Hour {
		utils.RespondError(w, apperr.Validation("The date range cannot exceed 92 days"))
		return
	}

	query := h.db.Where("doctor_id = ? AND start_time >= ? AND start_time < ?", doctorID, from, to)
	owner := actor.Role == models.RoleAdmin || actor.ID == doctorID
	if !owner || q.Get("bookable") == "true" {
		query = query.Where("status = ? AND is_booked = ? AND start_time > ?", models.ScheduleAccepted, false, h.now())
	} else if status := q.Get("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var slots []models.DoctorSchedule
	if err := query.Order("start_time").Find(&slots).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error retrieving schedules", err))
		return
	}
	utils.RespondJSON(w, http.StatusOK, slots)
}

// loadOwned fetches a slot the caller may edit. Booked slots are read-only.
func (h *ScheduleHandler) loadOwned(r *http.Request) (models.Actor, *models.DoctorSchedule, error) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		return actor, nil, err
	}
	id, err := utils.PathID(r, "id")
	if err != nil {
		return actor, nil, err
	}
	var slot models.DoctorSchedule
	if err := h.db.First(&slot, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return actor, nil, apperr.NotFound("Schedule not found")
		}
		return actor, nil, apperr.Internal("Error retrieving schedule", err)
	}
	if actor.Role != models.RoleAdmin && slot.DoctorID != actor.ID {
		return actor, nil, apperr.Forbidden("You can only manage your own schedule")
	}
	if slot.IsBooked {
		return actor, nil, apperr.Conflict("Schedule %d is booked", slot.ID)
	}
	return actor, &slot, nil
}

// UpdateSchedule moves or annotates an unbooked slot. A doctor's change
// sends it back to review.
func (h *ScheduleHandler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	actor, slot, err := h.loadOwned(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	var req SlotRequest
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}

	win := Window{Start: req.StartTime, End: req.EndTime}
	if err := validateWindow(win, h.now()); err != nil {
		utils.RespondError(w, err)
		return
	}
	clash, err := overlapping(h.db, slot.DoctorID, win, slot.ID)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	if len(clash) > 0 {
		utils.RespondError(w, apperr.Conflict("Time slot overlaps with existing schedule %d", clash[0].ID))
		return
	}

	moved := !win.Start.Equal(slot.StartTime) || !win.End.Equal(slot.EndTime)
	slot.StartTime, slot.EndTime, slot.Date = win.Start, win.End, dateOf(win.Start)
	slot.Note = req.Note
	if moved {
		slot.Status = h.initialStatus(actor)
	}

	// the booked check is repeated in the update so a concurrent booking wins
	result := h.db.Model(slot).Where("is_booked = ?", false).Select("start_time", "end_time", "date", "note", "status").Updates(slot)
	if result.Error != nil {
		utils.RespondError(w, apperr.Internal("Error updating schedule", result.Error))
		return
	}
	if result.RowsAffected == 0 {
		utils.RespondError(w, apperr.Conflict("Schedule %d is booked", slot.ID))
		return
	}
	utils.RespondJSON(w, http.StatusOK, slot)
}

func (h *ScheduleHandler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	_, slot, err := h.loadOwned(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	result := h.db.Where("is_booked = ?", false).Delete(&models.DoctorSchedule{}, slot.ID)
	if result.Error != nil {
		utils.RespondError(w, apperr.Internal("Error deleting schedule", result.Error))
		return
	}
	if result.RowsAffected == 0 {
		utils.RespondError(w, apperr.Conflict("Schedule %d is booked", slot.ID))
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Schedule deleted successfully"})
}

// MarkBusy withdraws an unbooked slot from booking without deleting it.
func (h *ScheduleHandler) MarkBusy(w http.ResponseWriter, r *http.Request) {
	_, slot, err := h.loadOwned(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	result := h.db.Model(slot).Where("is_booked = ?", false).Update("status", models.ScheduleBusy)
	if result.Error != nil {
		utils.RespondError(w, apperr.Internal("Error updating schedule", result.Error))
		return
	}
	if result.RowsAffected == 0 {
		utils.RespondError(w, apperr.Conflict("Schedule %d is booked", slot.ID))
		return
	}
	utils.RespondJSON(w, http.StatusOK, slot)
}

func (h *ScheduleHandler) ListForReview(w http.ResponseWriter, r *http.Request) {
	page := utils.ParsePage(r)
	status := r.URL.Query().Get("status")
	if status == "" {
		status = string(models.SchedulePending)
	}

	query := h.db.Model(&models.DoctorSchedule{}).Where("status = ?", status)
	if raw := r.URL.Query().Get("doctor_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			utils.RespondError(w, apperr.Validation("Invalid doctor_id"))
			return
		}
		query = query.Where("doctor_id = ?", id)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error counting schedules", err))
		return
	}
	var slots []models.DoctorSchedule
	if err := query.Preload("Doctor").Order("start_time").Limit(page.PageSize).Offset(page.Offset()).Find(&slots).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error retrieving schedules", err))
		return
	}
	utils.RespondJSON(w, http.StatusOK, utils.Paginated("schedules", slots, total, page))
}

func (h *ScheduleHandler) ReviewSchedule(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	id, err := utils.PathID(r, "id")
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	var req struct {
		Status models.ScheduleStatus `json:"status" validate:"required,oneof=accepted rejected"`
		Note   string                `json:"note" validate:"max=500"`
	}
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}

	updates := map[string]interface{}{"status": req.Status}
	if req.Note != "" {
		updates["note"] = req.Note
	}
	result := h.db.Model(&models.DoctorSchedule{}).
		Where("id = ? AND is_booked = ?", id, false).
		Updates(updates)
	if result.Error != nil {
		utils.RespondError(w, apperr.Internal("Error reviewing schedule", result.Error))
		return
	}
	if result.RowsAffected == 0 {
		utils.RespondError(w, apperr.Conflict("Schedule %d does not exist or is booked", id))
		return
	}
	h.log.Audit(actor.ID, "review_schedule", "schedule", true, map[string]interface{}{"schedule_id": id, "status": req.Status})
	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": req.Status})
}
