// Package pharmacy is the dispensing desk: it lists issued prescriptions and
// records what was handed out.
package pharmacy

import (
	"context"
	"net/http"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/KAsare1/medibook-server/service/appointment"
	"github.com/gorilla/mux"
)

// Appointments is the part of the appointment service the desk uses.
type Appointments interface {
	List(ctx context.Context, actor models.Actor, f appointment.Filter) ([]models.Appointment, int64, error)
	Get(ctx context.Context, actor models.Actor, id uint) (*models.Appointment, error)
	Dispense(ctx context.Context, actor models.Actor, id uint, req appointment.DispenseRequest) (*models.Appointment, error)
}

type PharmacyHandler struct {
	appointments Appointments
}

func NewPharmacyHandler(appointments Appointments) *PharmacyHandler {
	return &PharmacyHandler{appointments: appointments}
}

func (h *PharmacyHandler) RegisterRoutes(router *mux.Router) {
	desk := router.PathPrefix("/pharmacy").Subrouter()
	desk.Use(utils.RequireRole(models.RolePharmacyStaff, models.RoleAdmin))
	desk.HandleFunc("/prescriptions", h.ListPrescriptions).Methods("GET")
	desk.HandleFunc("/prescriptions/{id}", h.GetPrescription).Methods("GET")
	desk.HandleFunc("/prescriptions/{id}/dispense", h.Dispense).Methods("POST")
}

// Prescription is an issued prescription as the desk sees it.
type Prescription struct {
	AppointmentID uint                     `json:"appointment_id"`
	PatientID     uint                     `json:"patient_id"`
	PatientName   string                   `json:"patient_name"`
	DoctorName    string                   `json:"doctor_name"`
	Diagnosis     string                   `json:"diagnosis"`
	Note          string                   `json:"note,omitempty"`
	Items         models.PrescriptionItems `json:"items"`
	// Subtotal is the list price of every item before insurance.
	Subtotal int64         `json:"subtotal"`
	Status   models.Status `json:"status"`
}

func prescriptionOf(appt models.Appointment) Prescription {
	p := Prescription{
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		Diagnosis:     appt.Diagnosis,
		Note:          appt.DoctorNote,
		Items:         appt.Prescription,
		Status:        appt.Status,
	}
	if appt.Patient != nil {
		p.PatientName = appt.Patient.FullName
	}
	if appt.Doctor != nil {
		p.DoctorName = appt.Doctor.FullName
	}
	for _, item := range appt.Prescription {
		p.Subtotal += item.UnitPrice * int64(item.Quantity)
	}
	return p
}

// ListPrescriptions lists appointments waiting at the desk.
func (h *PharmacyHandler) ListPrescriptions(w http.ResponseWriter, r *http.Request) {
	actor, err := utils.ActorFromRequest(r)
	if err != nil {
		utils.RespondError(w, err)
		return
	}

	page := utils.ParsePage(r)
	appts, total, err := h.appointments.List(r.Context(), actor, appointment.Filter{
		Statuses: []models.Status{models.StatusPrescriptionIssued},
		Page:     page,
	})
	if err != nil {
		utils.RespondError(w, apperr.Internal("Error retrieving prescriptions", err))
		return
	}

	out := make([]Prescription, len(appts))
	for i, a := range appts {
		out[i] = prescriptionOf(a)
	}
	utils.RespondJSON(w, http.StatusOK, utils.Paginated("prescriptions", out, total, page))
}

func (h *PharmacyHandler) GetPrescription(w http.ResponseWriter, r *http.Request) {
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

	appt, err := h.appointments.Get(r.Context(), actor, id)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	if len(appt.Prescription) == 0 {
		utils.RespondError(w, apperr.NotFound("Appointment %d has no prescription", id))
		return
	}
	utils.RespondJSON(w, http.StatusOK, prescriptionOf(*appt))
}

// Dispense records handed-out items (all when none are listed) and
// discharges the patient.
func (h *PharmacyHandler) Dispense(w http.ResponseWriter, r *http.Request) {
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
	var req appointment.DispenseRequest
	if r.ContentLength != 0 {
		if err := utils.DecodeAndValidate(r, &req); err != nil {
			utils.RespondError(w, err)
			return
		}
	}

	appt, err := h.appointments.Dispense(r.Context(), actor, id, req)
	if err != nil {
		utils.RespondError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, prescriptionOf(*appt))
}
