package appointment

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/KAsare1/medibook-server/service/chats"
	"github.com/KAsare1/medibook-server/service/lifecycle"
	"github.com/gorilla/mux"
)

// ChatTokens issues chat credentials for consultation participants.
type ChatTokens interface {
	Enabled() bool
	APIKey() string
	UserToken(userID uint) (string, error)
}

type AppointmentHandler struct {
	service *Service
	chat    ChatTokens
}

func NewAppointmentHandler(service *Service, chat ChatTokens) *AppointmentHandler {
	return &AppointmentHandler{service: service, chat: chat}
}

func (h *AppointmentHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/appointments", h.BookAppointment).Methods("POST")
	router.HandleFunc("/appointments", h.ListAppointments).Methods("GET")
	router.HandleFunc("/appointments/{id}", h.GetAppointment).Methods("GET")
	router.HandleFunc("/appointments/{id}/history", h.GetHistory).Methods("GET")
	router.HandleFunc("/appointments/{id}/chat", h.GetChatToken).Methods("GET")

	router.HandleFunc("/appointments/{id}/approve", h.action(h.service.Approve)).Methods("POST")
	router.HandleFunc("/appointments/{id}/reject", h.reasonAction(h.service.Reject)).Methods("POST")
	router.HandleFunc("/appointments/{id}/reschedule", h.ProposeReschedule).Methods("POST")
	router.HandleFunc("/appointments/{id}/reschedule/accept", h.action(h.service.AcceptReschedule)).Methods("POST")
	router.HandleFunc("/appointments/{id}/reschedule/decline", h.reasonAction(h.service.DeclineReschedule)).Methods("POST")
	router.HandleFunc("/appointments/{id}/request-payment", h.action(h.service.RequestPayment)).Methods("POST")
	router.HandleFunc("/appointments/{id}/cancel", h.reasonAction(h.service.Cancel)).Methods("POST")

	router.HandleFunc("/appointments/{id}/start", h.action(h.service.StartConsult)).Methods("POST")
	router.HandleFunc("/appointments/{id}/no-show", h.action(h.service.MarkNoShow)).Methods("POST")
	router.HandleFunc("/appointments/{id}/prescription", h.IssuePrescription).Methods("POST")
	router.HandleFunc("/appointments/{id}/extension", h.RequestExtension).Methods("POST")
	router.HandleFunc("/appointments/{id}/extension/decision", h.DecideExtension).Methods("POST")
	router.HandleFunc("/appointments/{id}/discharge", h.action(h.service.Discharge)).Methods("POST")
	router.HandleFunc("/appointments/{id}/finalize", h.action(h.service.Finalize)).Methods("POST")

	admin := router.PathPrefix("/admin/appointments").Subrouter()
	admin.Use(utils.RequireRole(models.RoleAdmin))
	admin.HandleFunc("/{id}/refund", h.RefundAppointment).Methods("POST")
	admin.HandleFunc("/{id}", h.DeleteAppointment).Methods("DELETE")
}

// AppointmentView adds the caller-specific status projections to an appointment.
type AppointmentView struct {
	*models.Appointment
	PatientStatus string            `json:"patient_status"`
	AllowedEvents []lifecycle.Event `json:"allowed_events"`
}

func (h *AppointmentHandler) view(actor models.Actor, appt *models.Appointment) AppointmentView {
	return AppointmentView{
		Appointment:   appt,
		PatientStatus: lifecycle.PatientView(appt.Status),
		AllowedEvents: h.service.Machine().AllowedFor(actor.Role, appt.Status),
	}
}

type actionFunc func(ctx context.Context, actor models.Actor, id uint) (*models.Appointment, error)

type reasonFunc func(ctx context.Context, actor models.Actor, id uint, reason string) (*models.Appointment, error)

func (h *AppointmentHandler) action(fn actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, ok := actorAndID(w, r)
		if !ok {
			return
		}
		appt, err := fn(r.Context(), actor, id)
		if err != nil {
			utils.RespondError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, h.view(actor, appt))
	}
}

func (h *AppointmentHandler) reasonAction(fn reasonFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, ok := actorAndID(w, r)
		if !ok {
			return
		}
		var req struct {
			Reason string `json:"reason" validate:"max=500"`
		}
		if r.ContentLength != 0 {
			if err := utils.DecodeAndValidate(r, &req); err != nil {
				utils.RespondError(w, err)
				return
			}
		}
		appt, err := fn(r.Context(), actor, id, req.Reason)
		if err != nil {
			utils.RespondError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, h.view(actor, appt))
	}
}

func actorAndID(w http.ResponseWriter, r *http.Request) (models.Actor, uint, bool) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		utils.RespondError(w, err)
		return models.Actor{}, 0, false
	}
	id, err := utils.PathID(r, "id")
	if err != nil {
		utils.RespondError(w, err)
		return models.Actor{}, 0, false
	}
	return actor, id, true
}

func (h *AppointmentHandler) BookAppointment(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	var req BookRequest
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}

	appt, err := h.service.Book(r.Context(), actor, req)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, h.view(actor, appt))
}

// ListAppointments accepts status (comma separated), from and to
// (YYYY-MM-DD, slot start) and the usual paging parameters.
func (h *AppointmentHandler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	f := Filter{Page: utils.ParsePage(r)}

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := models.Status(strings.ToUpper(strings.TrimSpace(part)))
			if !status.Valid() {
				utils.RespondError(w, apperr.Validation("Unknown status %q", part))
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	if f.From, err = parseDay(q.Get("from")); err != nil {
		utils.RespondError(w, err)
		return
	}
	if f.To, err = parseDay(q.Get("to")); err != nil {
		utils.RespondError(w, err)
		return
	}
	if f.To != nil {
		end := f.To.AddDate(0, 0, 1)
		f.To = &end
	}
	if actor.Role == models.RoleAdmin {
		f.PatientID = queryUint(q.Get("patient_id"))
		f.DoctorID = queryUint(q.Get("doctor_id"))
	}

	appointments, total, err := h.service.List(r.Context(), actor, f)
	if err != nil {
		utils.RespondError(w, apperr.Internal("Error retrieving appointments", err))
		return
	}
	views := make([]AppointmentView, len(appointments))
	for i := range appointments {
		views[i] = h.view(actor, &appointments[i])
	}
	utils.RespondJSON(w, http.StatusOK, utils.Paginated("appointments", views, total, f.Page))
}

func (h *AppointmentHandler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	appt, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.view(actor, appt))
}

func (h *AppointmentHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	events, err := h.service.History(r.Context(), actor, id)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, events)
}

// GetChatToken returns the Stream credentials for a confirmed consultation.
func (h *AppointmentHandler) GetChatToken(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	if h.chat == nil || !h.chat.Enabled() {
		utils.RespondError(w, apperr.NotFound("Chat is not enabled"))
		return
	}
	appt, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	if actor.ID != appt.PatientID && actor.ID != appt.DoctorID {
		utils.RespondError(w, apperr.Forbidden("Only the doctor and the patient can join the chat"))
		return
	}
	switch appt.Status {
	case models.StatusConfirmed, models.StatusInConsult, models.StatusPrescriptionIssued,
		models.StatusReadyToDischarge, models.StatusAwaitSettlement:
	default:
		utils.RespondError(w, apperr.Conflict("Chat opens once the appointment is confirmed"))
		return
	}

	token, err := h.chat.UserToken(actor.ID)
	if err != nil {
		utils.RespondError(w, apperr.External("Could not create chat token", err))
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"api_key":    h.chat.APIKey(),
		"token":      token,
		"channel_id": chats.ChannelID(appt.ID),
	})
}

func (h *AppointmentHandler) ProposeReschedule(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	var req RescheduleRequest
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}
	appt, err := h.service.ProposeReschedule(r.Context(), actor, id, req)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.view(actor, appt))
}

func (h *AppointmentHandler) IssuePrescription(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	var req PrescriptionRequest
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}
	appt, err := h.service.IssuePrescription(r.Context(), actor, id, req)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.view(actor, appt))
}

func (h *AppointmentHandler) RefundAppointment(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	var req RefundRequest
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}
	appt, err := h.service.Refund(r.Context(), actor, id, req)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.view(actor, appt))
}

func (h *AppointmentHandler) RequestExtension(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	var req ExtensionRequest
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}
	appt, err := h.service.RequestExtension(r.Context(), actor, id, req)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.view(actor, appt))
}

func (h *AppointmentHandler) DecideExtension(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	var req struct {
		Accept *bool `json:"accept" validate:"required"`
	}
	if err := utils.DecodeAndValidate(r, &req); err != nil {
		utils.RespondError(w, err)
		return
	}
	appt, err := h.service.DecideExtension(r.Context(), actor, id, *req.Accept)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.view(actor, appt))
}

func (h *AppointmentHandler) DeleteAppointment(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), actor, id); err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Appointment deleted successfully"})
}

func parseDay(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	day, err := time.ParseInLocation("2006-01-02", raw, time.Local)
	if err != nil {
		return nil, apperr.Validation("Invalid date %q, expected YYYY-MM-DD", raw)
	}
	return &day, nil
}

func queryUint(raw string) uint {
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return uint(n)
}
