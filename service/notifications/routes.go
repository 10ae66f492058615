package notification

import (
	"net/http"
	"time"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/gorilla/mux"
	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
	"gorm.io/gorm"
)

// NotificationHandler handles notification operations
type NotificationHandler struct {
	db      *gorm.DB
	service *Service
}

func NewNotificationHandler(db *gorm.DB, service *Service) *NotificationHandler {
	return &NotificationHandler{db: db, service: service}
}

// RegisterRoutes registers all notification routes on an authenticated router.
func (h *NotificationHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/devices", h.RegisterDevice).Methods("POST")
	router.HandleFunc("/devices", h.GetMyDevices).Methods("GET")
	router.HandleFunc("/devices/{id}", h.DeleteDevice).Methods("DELETE")
	router.HandleFunc("/notifications", h.GetMyNotifications).Methods("GET")
	router.HandleFunc("/notifications/read-all", h.MarkAllRead).Methods("POST")
	router.HandleFunc("/notifications/{id}/read", h.MarkRead).Methods("PATCH")

	admin := router.PathPrefix("/notifications/broadcast").Subrouter()
	admin.Use(utils.RequireRole(models.RoleAdmin))
	admin.HandleFunc("", h.BroadcastNotification).Methods("POST")
}

// RegisterDevice registers a device for push notifications
func (h *NotificationHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}

	var req struct {
		Token      string `json:"token" validate:"required"`
		DeviceType string `json:"device_type" validate:"max=50"`
		DeviceName string `json:"device_name" validate:"max=100"`
	}
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}

	if _, err := expo.NewExponentPushToken(req.Token); err != nil {
		utils.RespondError(w, apperr.Validation("Invalid Expo push token format"))
		return
	}

	var device models.Device
	result := h.db.Where("token = ? AND user_id = ?", req.Token, userID).First(&device)
	if result.Error == nil {
		device.DeviceType = req.DeviceType
		device.DeviceName = req.DeviceName
		if err := h.db.Save(&device).Error; err != nil {
			utils.RespondError(w, apperr.Internal("Error updating device", err))
			return
		}
	} else {
		device = models.Device{Token: req.Token, UserID: userID, DeviceType: req.DeviceType, DeviceName: req.DeviceName}
		if err := h.db.Create(&device).Error; err != nil {
			utils.RespondError(w, apperr.Internal("Error creating device", err))
			return
		}
	}

	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Device registered successfully",
		"device":  device,
	})
}

func (h *NotificationHandler) GetMyDevices(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}

	var devices []models.Device
	if err := h.db.Where("user_id = ?", userID).Find(&devices).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error retrieving devices", err))
		return
	}
	utils.RespondJSON(w, http.StatusOK, devices)
}

// DeleteDevice deletes one of the caller's device tokens
func (h *NotificationHandler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	deviceID, err := utils.PathID(r, "id")
	if err != nil {
		utils.RespondError(w, err)
		return
	}

	result := h.db.Where("user_id = ?", userID).Delete(&models.Device{}, deviceID)
	if result.Error != nil {
		utils.RespondError(w, apperr.Internal("Error deleting device", result.Error))
		return
	}
	if result.RowsAffected == 0 {
		utils.RespondError(w, apperr.NotFound("Device not found"))
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Device deleted successfully"})
}

// GetMyNotifications lists the caller's notifications, newest first
func (h *NotificationHandler) GetMyNotifications(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	page := utils.ParsePage(r)

	query := h.db.Model(&models.Notification{}).Where("user_id = ?", userID)
	if r.URL.Query().Get("unread") == "true" {
		query = query.Where("read_at IS NULL")
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error counting notifications", err))
		return
	}

	var notifications []models.Notification
	if err := query.Order("sent_at DESC").Limit(page.PageSize).Offset(page.Offset()).Find(&notifications).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error retrieving notifications", err))
		return
	}

	utils.RespondJSON(w, http.StatusOK, utils.Paginated("notifications", notifications, count, page))
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	id, err := utils.PathID(r, "id")
	if err != nil {
		utils.RespondError(w, err)
		return
	}

	result := h.db.Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("read_at", time.Now())
	if result.Error != nil {
		utils.RespondError(w, apperr.Internal("Error updating notification", result.Error))
		return
	}
	if result.RowsAffected == 0 {
		utils.RespondError(w, apperr.NotFound("Notification not found"))
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Notification marked as read"})
}

func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}

	result := h.db.Model(&models.Notification{}).
		Where("user_id = ? AND read_at IS NULL", userID).
		Update("read_at", time.Now())
	if result.Error != nil {
		utils.RespondError(w, apperr.Internal("Error updating notifications", result.Error))
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{"updated": result.RowsAffected})
}

// BroadcastNotification sends a push notification to all devices or to the listed users
func (h *NotificationHandler) BroadcastNotification(w http.ResponseWriter, r *http.Request) {
	var req models.BroadcastRequest
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}

	sent, err := h.service.Broadcast(r.Context(), req)
	if err != nil {
		utils.RespondError(w, apperr.External("Broadcast push failed", err))
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"devices": sent,
	})
}
