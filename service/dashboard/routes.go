package dashboard

import (
	"net/http"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type DashboardHandler struct {
	db *gorm.DB
}

func NewDashboardHandler(db *gorm.DB) *DashboardHandler {
	return &DashboardHandler{db: db}
}

type DashboardStats struct {
	UsersByRole          map[models.Role]int64   `json:"users_by_role"`
	AppointmentsByStatus map[models.Status]int64 `json:"appointments_by_status"`
	PendingSchedules     int64                   `json:"pending_schedules"`
	PendingInvoices      int64                   `json:"pending_invoices"`
	OutstandingAmount    int64                   `json:"outstanding_amount"`
	// Revenue is captured payments minus refunds, in VND.
	Revenue int64 `json:"revenue"`
}

// RegisterRoutes registers dashboard routes on an authenticated router.
func (h *DashboardHandler) RegisterRoutes(router *mux.Router) {
	dashboardRouter := router.PathPrefix("/admin/dashboard").Subrouter()
	dashboardRouter.Use(utils.RequireRole(models.RoleAdmin))
	dashboardRouter.HandleFunc("/stats", h.GetDashboardStats).Methods("GET")
}

type groupCount struct {
	Key   string
	Count int64
}

func (h *DashboardHandler) GetDashboardStats(w http.ResponseWriter, r *http.Request) {
	db := h.db.WithContext(r.Context())
	stats := DashboardStats{
		UsersByRole:          map[models.Role]int64{},
		AppointmentsByStatus: map[models.Status]int64{},
	}

	var roles []groupCount
	if err := db.Model(&models.User{}).
		Select("role AS key, COUNT(*) AS count").
		Group("role").
		Scan(&roles).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error counting users", err))
		return
	}
	for _, g := range roles {
		stats.UsersByRole[models.Role(g.Key)] = g.Count
	}

	var statuses []groupCount
	if err := db.Model(&models.Appointment{}).
		Select("status AS key, COUNT(*) AS count").
		Group("status").
		Scan(&statuses).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error counting appointments", err))
		return
	}
	for _, g := range statuses {
		stats.AppointmentsByStatus[models.Status(g.Key)] = g.Count
	}

	if err := db.Model(&models.DoctorSchedule{}).
		Where("status = ?", models.SchedulePending).
		Count(&stats.PendingSchedules).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error counting schedules", err))
		return
	}

	var outstanding struct {
		Count  int64
		Amount int64
	}
	if err := db.Model(&models.Invoice{}).
		Select("COUNT(*) AS count, COALESCE(SUM(amount_due), 0) AS amount").
		Where("status = ?", models.InvoicePending).
		Scan(&outstanding).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error summing invoices", err))
		return
	}
	stats.PendingInvoices = outstanding.Count
	stats.OutstandingAmount = outstanding.Amount

	if err := db.Model(&models.Payment{}).
		Select("COALESCE(SUM(CASE WHEN kind = ? THEN amount ELSE -amount END), 0)", models.PaymentCapture).
		Where("status <> ?", models.PaymentStatusFailed).
		Scan(&stats.Revenue).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error summing payments", err))
		return
	}

	utils.RespondJSON(w, http.StatusOK, stats)
}
