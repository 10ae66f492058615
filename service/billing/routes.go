package billing

import (
	"net/http"
	"strconv"
	"time"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type InvoiceHandler struct {
	db       *gorm.DB
	pricer   *Pricer
	receipts *Receipts
}

func NewInvoiceHandler(db *gorm.DB, pricer *Pricer, receipts *Receipts) *InvoiceHandler {
	return &InvoiceHandler{db: db, pricer: pricer, receipts: receipts}
}

func (h *InvoiceHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/invoices", h.ListInvoices).Methods("GET")
	router.HandleFunc("/invoices/{id}", h.GetInvoice).Methods("GET")
	router.HandleFunc("/invoices/{id}/pdf", h.DownloadPDF).Methods("GET")
	router.HandleFunc("/invoices/{id}/email", h.EmailInvoice).Methods("POST")
	router.HandleFunc("/doctors/{id}/quote", h.GetQuote).Methods("GET")
}

// ListInvoices lists the caller's invoices. Admins see all and can filter
// by status, type and patient_id.
func (h *InvoiceHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	page := utils.ParsePage(r)
	q := r.URL.Query()

	query := h.db.Model(&models.Invoice{})
	switch actor.Role {
	case models.RoleAdmin:
		if patientID, err := strconv.ParseUint(q.Get("patient_id"), 10, 64); err == nil {
			query = query.Where("patient_id = ?", patientID)
		}
	case models.RoleDoctor:
		query = query.Where("appointment_id IN (?)",
			h.db.Model(&models.Appointment{}).Select("id").Where("doctor_id = ?", actor.ID))
	default:
		query = query.Where("patient_id = ?", actor.ID)
	}
	if status := q.Get("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if typ := q.Get("type"); typ != "" {
		query = query.Where("type = ?", typ)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error counting invoices", err))
		return
	}
	var invoices []models.Invoice
	if err := query.Order("created_at DESC").Limit(page.PageSize).Offset(page.Offset()).Find(&invoices).Error; err != nil {
		utils.RespondError(w, apperr.Internal("Error retrieving invoices", err))
		return
	}
	utils.RespondJSON(w, http.StatusOK, utils.Paginated("invoices", invoices, total, page))
}

// load fetches an invoice and checks the caller is its patient, the
// appointment's doctor or an admin.
func (h *InvoiceHandler) load(r *http.Request) (*models.Invoice, error) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		return nil, err
	}
	id, err := utils.PathID(r, "id")
	if err != nil {
		return nil, err
	}
	inv, err := h.receipts.Load(r.Context(), id)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.Role == models.RoleAdmin:
	case inv.PatientID == actor.ID:
	case inv.Appointment != nil && inv.Appointment.DoctorID == actor.ID:
	default:
		return nil, apperr.Forbidden("You do not have access to this invoice")
	}
	return inv, nil
}

func (h *InvoiceHandler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.load(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, inv)
}

func (h *InvoiceHandler) DownloadPDF(w http.ResponseWriter, r *http.Request) {
	inv, err := h.load(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	pdf, err := Render(inv)
	if err != nil {
		utils.RespondError(w, apperr.Internal("Error rendering invoice", err))
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename=invoice-"+strconv.FormatUint(uint64(inv.ID), 10)+".pdf")
	w.WriteHeader(http.StatusOK)
	w.Write(pdf)
}

func (h *InvoiceHandler) EmailInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.load(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	if err := h.receipts.Send(r.Context(), inv.ID); err != nil {
		utils.RespondError(w, apperr.External("Error sending invoice email", err))
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"message": "Invoice sent"})
}

// GetQuote prices a consultation with a doctor for the calling patient.
// at is an RFC 3339 time and defaults to now.
func (h *InvoiceHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
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
	at := time.Now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		if at, err = time.Parse(time.RFC3339, raw); err != nil {
			utils.RespondError(w, apperr.Validation("Invalid at, expected RFC 3339"))
			return
		}
	}

	var doctor models.DoctorProfile
	if err := h.db.Where("user_id = ?", doctorID).First(&doctor).Error; err != nil {
		utils.RespondError(w, apperr.NotFound("Doctor not found"))
		return
	}
	var patient *models.PatientProfile
	var profile models.PatientProfile
	if err := h.db.Where("user_id = ?", actor.ID).First(&profile).Error; err == nil {
		patient = &profile
	}

	utils.RespondJSON(w, http.StatusOK, h.pricer.Quote(doctor.ConsultationFee, patient, at))
}
