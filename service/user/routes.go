package user

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/logger"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	notification "github.com/KAsare1/medibook-server/service/notifications"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

// ChatTokens issues Stream Chat tokens at login.
type ChatTokens interface {
	Enabled() bool
	UserToken(userID uint) (string, error)
}

type Handler struct {
	db         *gorm.DB
	auth       *utils.Authenticator
	mailer     *notification.Mailer
	chat       ChatTokens
	refreshTTL time.Duration
	uploadsDir string
	log        *logger.Logger
	now        func() time.Time
}

func NewHandler(db *gorm.DB, auth *utils.Authenticator, mailer *notification.Mailer, chat ChatTokens, refreshTTL time.Duration, uploadsDir string, log *logger.Logger) *Handler {
	return &Handler{
		db:         db,
		auth:       auth,
		mailer:     mailer,
		chat:       chat,
		refreshTTL: refreshTTL,
		uploadsDir: uploadsDir,
		log:        log,
		now:        time.Now,
	}
}

// RegisterPublicRoutes sets up the routes that need no access token
func (h *Handler) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/register", h.Register).Methods("POST")
	router.HandleFunc("/login", h.Login).Methods("POST")
	router.HandleFunc("/refresh", h.RefreshToken).Methods("POST")
	router.HandleFunc("/verify-email", h.VerifyEmail).Methods("POST")
	router.HandleFunc("/verify-email/resend", h.ResendVerification).Methods("POST")
	router.HandleFunc("/reset-password", h.RequestPasswordReset).Methods("POST")
	router.HandleFunc("/reset-password/confirm", h.ResetPassword).Methods("POST")
	router.HandleFunc("/doctors", h.ListDoctors).Methods("GET")
	router.HandleFunc("/doctors/{id}", h.GetDoctor).Methods("GET")
}

// RegisterRoutes sets up the authenticated user routes
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/me", h.GetMe).Methods("GET")
	router.HandleFunc("/me", h.UpdateMe).Methods("PUT")
	router.HandleFunc("/me/avatar", h.UploadAvatar).Methods("POST")
	router.HandleFunc("/me/patient-profile", h.UpdatePatientProfile).Methods("PUT")
	router.HandleFunc("/me/doctor-profile", h.UpdateDoctorProfile).Methods("PUT")
	router.HandleFunc("/logout", h.Logout).Methods("POST")

	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(utils.RequireRole(models.RoleAdmin))
	admin.HandleFunc("/users", h.ListUsers).Methods("GET")
	admin.HandleFunc("/users", h.CreateUser).Methods("POST")
	admin.HandleFunc("/users/{id}/status", h.SetUserStatus).Methods("PATCH")
	admin.HandleFunc("/users/{id}", h.DeleteUser).Methods("DELETE")
	admin.HandleFunc("/doctors/{id}/verify", h.VerifyDoctor).Methods("POST")
}

func (h *Handler) loadUser(id uint) (*models.User, error) {
	var user models.User
	err := h.db.Preload("Doctor").Preload("Patient").First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("User not found")
	}
	if err != nil {
		return nil, apperr.Internal("Error retrieving user", err)
	}
	return &user, nil
}

func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	user, err := h.loadUser(userID)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, user)
}

func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	var req struct {
		FullName string `json:"full_name" validate:"omitempty,max=255"`
		Phone    string `json:"phone" validate:"omitempty,max=20"`
	}
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}

	updates := map[string]interface{}{}
	if req.FullName != "" {
		updates["full_name"] = req.FullName
	}
	if req.Phone != "" {
		updates["phone"] = req.Phone
	}
	if len(updates) > 0 {
		if err := h.db.Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
			utils.RespondError(w, apperr.Internal("Error updating user", err))
			return
		}
	}

	user, err := h.loadUser(userID)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, user)
}

// UploadAvatar stores a multipart "avatar" image and replaces the old one.
func (h *Handler) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	if err := r.ParseMultipartForm(utils.MaxImageSize); err != nil {
		utils.RespondError(w, apperr.Validation("File too large or invalid form"))
		return
	}
	file, header, err := r.FormFile("avatar")
	if err != nil {
		utils.RespondError(w, apperr.Validation("avatar file is required"))
		return
	}
	defer file.Close()

	user, err := h.loadUser(userID)
	if err != nil {
		utils.RespondError(w, err)
		return
	}

	path, err := utils.SaveAvatar(h.uploadsDir, file, header)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	if err := h.db.Model(user).Update("avatar_path", path).Error; err != nil {
		utils.DeleteAvatar(h.uploadsDir, path)
		utils.RespondError(w, apperr.Internal("Error updating user", err))
		return
	}
	if err := utils.DeleteAvatar(h.uploadsDir, user.AvatarPath); err != nil {
		h.log.WithUserID(userID).WithError(err).Warn("Could not remove old avatar")
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"avatar_path": path})
}

func (h *Handler) UpdatePatientProfile(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	if actor.Role != models.RolePatient {
		utils.RespondError(w, apperr.Forbidden("Only patients have a patient profile"))
		return
	}
	var req struct {
		DateOfBirth    *time.Time `json:"date_of_birth"`
		Gender         string     `json:"gender" validate:"omitempty,max=16"`
		Address        string     `json:"address" validate:"omitempty,max=500"`
		BHYTCardNumber string     `json:"bhyt_card_number" validate:"omitempty,max=32"`
		BHYTValidFrom  *time.Time `json:"bhyt_valid_from"`
		BHYTValidTo    *time.Time `json:"bhyt_valid_to"`
	}
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}
	if req.BHYTValidFrom != nil && req.BHYTValidTo != nil && req.BHYTValidTo.Before(*req.BHYTValidFrom) {
		utils.RespondError(w, apperr.Validation("bhyt_valid_to must not be before bhyt_valid_from"))
		return
	}

	var profile models.PatientProfile
	h.db.Where("user_id = ?", actor.ID).FirstOrInit(&profile, models.PatientProfile{UserID: actor.ID})
	profile.DateOfBirth = req.DateOfBirth
	profile.Gender = req.Gender
	profile.Address = req.Address
	profile.BHYTCardNumber = strings.ToUpper(strings.TrimSpace(req.BHYTCardNumber))
	profile.BHYTValidFrom = req.BHYTValidFrom
	profile.BHYTValidTo = req.BHYTValidTo

	if err := h.db.Save(&profile).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error saving patient profile", err))
		return
	}
	utils.RespondJSON(w, http.StatusOK, profile)
}

func (h *Handler) UpdateDoctorProfile(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	if actor.Role != models.RoleDoctor {
		utils.RespondError(w, apperr.Forbidden("Only doctors have a doctor profile"))
		return
	}
	var req struct {
		Specialty        *string `json:"specialty" validate:"omitempty,max=255"`
		Bio              *string `json:"bio"`
		ConsultationFee  *int64  `json:"consultation_fee" validate:"omitempty,gte=0"`
		RequiresApproval *bool   `json:"requires_approval"`
		SlotMinutes      *int    `json:"slot_minutes" validate:"omitempty,min=5,max=240"`
	}
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}

	var profile models.DoctorProfile
	if err := h.db.Where("user_id = ?", actor.ID).First(&profile).Error; err != nil {
		utils.RespondError(w, apperr.NotFound("Doctor profile not found"))
		return
	}
	if req.Specialty != nil {
		profile.Specialty = *req.Specialty
	}
	if req.Bio != nil {
		profile.Bio = *req.Bio
	}
	if req.ConsultationFee != nil {
		profile.ConsultationFee = *req.ConsultationFee
	}
	if req.RequiresApproval != nil {
		profile.RequiresApproval = *req.RequiresApproval
	}
	if req.SlotMinutes != nil {
		profile.SlotMinutes = *req.SlotMinutes
	}

	if err := h.db.Save(&profile).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error saving doctor profile", err))
		return
	}
	utils.RespondJSON(w, http.StatusOK, profile)
}

// DoctorView is a verified doctor as shown to patients.
type DoctorView struct {
	ID               uint   `json:"id"`
	FullName         string `json:"full_name"`
	AvatarPath       string `json:"avatar_path"`
	Specialty        string `json:"specialty"`
	Bio              string `json:"bio"`
	ConsultationFee  int64  `json:"consultation_fee"`
	RequiresApproval bool   `json:"requires_approval"`
	SlotMinutes      int    `json:"slot_minutes"`
}

func doctorView(p models.DoctorProfile) DoctorView {
	v := DoctorView{
		ID:               p.UserID,
		Specialty:        p.Specialty,
		Bio:              p.Bio,
		ConsultationFee:  p.ConsultationFee,
		RequiresApproval: p.RequiresApproval,
		SlotMinutes:      p.SlotMinutes,
	}
	if p.User != nil {
		v.FullName = p.User.FullName
		v.AvatarPath = p.User.AvatarPath
	}
	return v
}

// ListDoctors lists verified doctors, optionally filtered by specialty and
// a name search q.
func (h *Handler) ListDoctors(w http.ResponseWriter, r *http.Request) {
	page := utils.ParsePage(r)
	q := r.URL.Query()

	query := h.db.Model(&models.DoctorProfile{}).Joins("User").
		Where("doctor_profiles.verified = ?", true)
	if specialty := strings.TrimSpace(q.Get("specialty")); specialty != "" {
		query = query.Where("doctor_profiles.specialty ILIKE ?", "%"+specialty+"%")
	}
	if name := strings.TrimSpace(q.Get("q")); name != "" {
		query = query.Where(`"User"."full_name" ILIKE ?`, "%"+name+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error counting doctors", err))
		return
	}
	var profiles []models.DoctorProfile
	if err := query.Order(`"User"."full_name"`).Limit(page.PageSize).Offset(page.Offset()).Find(&profiles).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error retrieving doctors", err))
		return
	}

	doctors := make([]DoctorView, len(profiles))
	for i, p := range profiles {
		doctors[i] = doctorView(p)
	}
	utils.RespondJSON(w, http.StatusOK, utils.Paginated("doctors", doctors, total, page))
}

func (h *Handler) GetDoctor(w http.ResponseWriter, r *http.Request) {
	id, err := utils.PathID(r, "id")
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	var profile models.DoctorProfile
	err = h.db.Joins("User").Where("doctor_profiles.user_id = ? AND doctor_profiles.verified = ?", id, true).First(&profile).Error
	if err != nil {
		utils.RespondError(w, apperr.NotFound("Doctor not found"))
		return
	}
	utils.RespondJSON(w, http.StatusOK, doctorView(profile))
}

// ListUsers lists all users for admins, filtered by role and status.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page := utils.ParsePage(r)
	q := r.URL.Query()

	query := h.db.Model(&models.User{})
	if role := q.Get("role"); role != "" {
		query = query.Where("role = ?", role)
	}
	if status := q.Get("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if search := strings.TrimSpace(q.Get("q")); search != "" {
		query = query.Where("full_name ILIKE ? OR email ILIKE ?", "%"+search+"%", "%"+search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error counting users", err))
		return
	}
	var users []models.User
	if err := query.Preload("Doctor").Order("id").Limit(page.PageSize).Offset(page.Offset()).Find(&users).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error retrieving users", err))
		return
	}
	utils.RespondJSON(w, http.StatusOK, utils.Paginated("users", users, total, page))
}

// CreateUser lets an admin create accounts of any role. They start verified.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	var req RegisterRequest
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}
	if !req.Role.Valid() {
		utils.RespondError(w, apperr.Validation("Invalid role %q", req.Role))
		return
	}

	user, err := h.createUser(req, true)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	h.log.Audit(actor.ID, "create_user", "user", true, map[string]interface{}{"user_id": user.ID, "role": user.Role})
	utils.RespondJSON(w, http.StatusCreated, user)
}

func (h *Handler) SetUserStatus(w http.ResponseWriter, r *http.Request) {
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
		Status string `json:"status" validate:"required,oneof=active suspended"`
	}
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}

	updates := map[string]interface{}{"status": req.Status}
	if req.Status != "active" {
		updates["refresh_token"] = ""
	}
	result := h.db.Model(&models.User{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		utils.RespondError(w, apperr.Internal("Error updating user", result.Error))
		return
	}
	if result.RowsAffected == 0 {
		utils.RespondError(w, apperr.NotFound("User not found"))
		return
	}
	h.log.Audit(actor.ID, "set_status", "user", true, map[string]interface{}{"user_id": id, "status": req.Status})
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "User status updated"})
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
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
	if id == actor.ID {
		utils.RespondError(w, apperr.Conflict("You cannot delete your own account"))
		return
	}

	result := h.db.Delete(&models.User{}, id)
	if result.Error != nil {
		utils.RespondError(w, apperr.Internal("Error deleting user", result.Error))
		return
	}
	if result.RowsAffected == 0 {
		utils.RespondError(w, apperr.NotFound("User not found"))
		return
	}
	h.log.Audit(actor.ID, "delete_user", "user", true, map[string]interface{}{"user_id": id})
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "User deleted successfully"})
}

// VerifyDoctor marks a doctor bookable, or withdraws that with {"verified": false}.
func (h *Handler) VerifyDoctor(w http.ResponseWriter, r *http.Request) {
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
	req := struct {
		Verified *bool `json:"verified"`
	}{}
	if r.ContentLength != 0 {
		if err := utils.DecodeAndValidate(r, &req); err != nil {
			utils.RespondError(w, err)
			return
		}
	}
	verified := req.Verified == nil || *req.Verified

	result := h.db.Model(&models.DoctorProfile{}).Where("user_id = ?", id).Update("verified", verified)
	if result.Error != nil {
		utils.RespondError(w, apperr.Internal("Error verifying doctor", result.Error))
		return
	}
	if result.RowsAffected == 0 {
		utils.RespondError(w, apperr.NotFound("Doctor not found"))
		return
	}
	h.log.Audit(actor.ID, "verify_doctor", "doctor", true, map[string]interface{}{"doctor_id": id, "verified": verified})
	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{"doctor_id": id, "verified": verified})
}
