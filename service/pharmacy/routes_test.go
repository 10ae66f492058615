package pharmacy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/KAsare1/medibook-server/service/appointment"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAppointments struct {
	appts      []models.Appointment
	lastFilter appointment.Filter
	dispensed  []appointment.DispenseRequest
}

func (f *fakeAppointments) List(_ context.Context, _ models.Actor, filter appointment.Filter) ([]models.Appointment, int64, error) {
	f.lastFilter = filter
	return f.appts, int64(len(f.appts)), nil
}

func (f *fakeAppointments) Get(_ context.Context, _ models.Actor, id uint) (*models.Appointment, error) {
	for i := range f.appts {
		if f.appts[i].ID == id {
			return &f.appts[i], nil
		}
	}
	return nil, apperr.NotFound("Appointment not found")
}

func (f *fakeAppointments) Dispense(ctx context.Context, actor models.Actor, id uint, req appointment.DispenseRequest) (*models.Appointment, error) {
	appt, err := f.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	f.dispensed = append(f.dispensed, req)
	appt.Status = models.StatusReadyToDischarge
	return appt, nil
}

func issued() models.Appointment {
	appt := models.Appointment{
		PatientID: 2,
		DoctorID:  1,
		Status:    models.StatusPrescriptionIssued,
		Diagnosis: "Acute bronchitis",
		Patient:   &models.User{FullName: "Tran Thi B"},
		Doctor:    &models.User{FullName: "Dr. Nguyen Van A"},
		Prescription: models.PrescriptionItems{
			{Drug: "Amoxicillin 500mg", Quantity: 14, UnitPrice: 2000},
			{Drug: "Paracetamol 500mg", Quantity: 10, UnitPrice: 1000, InsuranceCovered: true},
		},
	}
	appt.ID = 7
	return appt
}

func serve(router http.Handler, actor models.Actor, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(utils.WithActor(req.Context(), actor))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func newRouter(fake *fakeAppointments) *mux.Router {
	router := mux.NewRouter()
	NewPharmacyHandler(fake).RegisterRoutes(router)
	return router
}

var pharmacist = models.Actor{ID: 5, Role: models.RolePharmacyStaff}

func TestListPrescriptions(t *testing.T) {
	fake := &fakeAppointments{appts: []models.Appointment{issued()}}

	rr := serve(newRouter(fake), pharmacist, "GET", "/pharmacy/prescriptions", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []models.Status{models.StatusPrescriptionIssued}, fake.lastFilter.Statuses)

	var resp struct {
		Prescriptions []Prescription `json:"prescriptions"`
		Total         int64          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Prescriptions, 1)
	assert.Equal(t, "Tran Thi B", resp.Prescriptions[0].PatientName)
	assert.Equal(t, int64(38000), resp.Prescriptions[0].Subtotal)
}

func TestPharmacyRoutes_RequireRole(t *testing.T) {
	fake := &fakeAppointments{appts: []models.Appointment{issued()}}
	patient := models.Actor{ID: 2, Role: models.RolePatient}

	rr := serve(newRouter(fake), patient, "GET", "/pharmacy/prescriptions", "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestDispense(t *testing.T) {
	fake := &fakeAppointments{appts: []models.Appointment{issued()}}
	router := newRouter(fake)

	rr := serve(router, pharmacist, "POST", "/pharmacy/prescriptions/7/dispense", `{"items":[0]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"status":"READY_TO_DISCHARGE"`)
	require.Len(t, fake.dispensed, 1)
	assert.Equal(t, []int{0}, fake.dispensed[0].Items)

	// an empty body dispenses everything
	fake.appts[0].Status = models.StatusPrescriptionIssued
	rr = serve(router, pharmacist, "POST", "/pharmacy/prescriptions/7/dispense", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Empty(t, fake.dispensed[1].Items)

	rr = serve(router, pharmacist, "POST", "/pharmacy/prescriptions/99/dispense", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
