package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	"gorm.io/gorm"
)

// memStore is an in-memory Store. Each Tx works on a copy of the state that
// replaces it only when fn succeeds, so failed operations roll back.
type memStore struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	appts    map[uint]models.Appointment
	slots    map[uint]models.DoctorSchedule
	doctors  map[uint]models.DoctorProfile
	patients map[uint]models.PatientProfile
	invoices map[uint]models.Invoice
	payments []models.Payment
	events   []models.AppointmentEvent
	nextID   uint
}

func newMemStore() *memStore {
	return &memStore{state: memState{
		appts:    map[uint]models.Appointment{},
		slots:    map[uint]models.DoctorSchedule{},
		doctors:  map[uint]models.DoctorProfile{},
		patients: map[uint]models.PatientProfile{},
		invoices: map[uint]models.Invoice{},
		nextID:   100,
	}}
}

func gormModel(id uint) gorm.Model {
	return gorm.Model{ID: id}
}

func (s memState) clone() memState {
	out := memState{
		appts:    make(map[uint]models.Appointment, len(s.appts)),
		slots:    make(map[uint]models.DoctorSchedule, len(s.slots)),
		doctors:  make(map[uint]models.DoctorProfile, len(s.doctors)),
		patients: make(map[uint]models.PatientProfile, len(s.patients)),
		invoices: make(map[uint]models.Invoice, len(s.invoices)),
		payments: append([]models.Payment(nil), s.payments...),
		events:   append([]models.AppointmentEvent(nil), s.events...),
		nextID:   s.nextID,
	}
	for k, v := range s.appts {
		out.appts[k] = v
	}
	for k, v := range s.slots {
		out.slots[k] = v
	}
	for k, v := range s.doctors {
		out.doctors[k] = v
	}
	for k, v := range s.patients {
		out.patients[k] = v
	}
	for k, v := range s.invoices {
		out.invoices[k] = v
	}
	return out
}

func (s *memState) id() uint {
	s.nextID++
	return s.nextID
}

func (m *memStore) addSlot(slot models.DoctorSchedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.slots[slot.ID] = slot
}

func (m *memStore) addDoctor(p models.DoctorProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.doctors[p.UserID] = p
}

func (m *memStore) addPatient(p models.PatientProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.patients[p.UserID] = p
}

func (m *memStore) slot(id uint) models.DoctorSchedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.slots[id]
}

func (m *memStore) appointment(id uint) models.Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.appts[id]
}

func (m *memStore) invoice(apptID uint, typ models.InvoiceType) (models.Invoice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.state.invoices {
		if inv.AppointmentID == apptID && inv.Type == typ {
			return inv, true
		}
	}
	return models.Invoice{}, false
}

func (m *memStore) paymentsFor(apptID uint) []models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for _, p := range m.state.payments {
		if p.AppointmentID == apptID {
			out = append(out, p)
		}
	}
	return out
}

func (m *memStore) Tx(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(&memTx{s: &work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *memStore) Get(_ context.Context, id uint) (*models.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.state.appts[id]
	if !ok {
		return nil, apperr.NotFound("Appointment not found")
	}
	return &a, nil
}

func (m *memStore) List(_ context.Context, f Filter) ([]models.Appointment, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Appointment
	for _, a := range m.state.appts {
		if f.PatientID != 0 && a.PatientID != f.PatientID {
			continue
		}
		if f.DoctorID != 0 && a.DoctorID != f.DoctorID {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, a.Status) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(out)), nil
}

func hasStatus(list []models.Status, s models.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *memStore) History(_ context.Context, appointmentID uint) ([]models.AppointmentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AppointmentEvent
	for _, e := range m.state.events {
		if e.AppointmentID == appointmentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) OverdueInvoices(_ context.Context, now time.Time, limit int) ([]uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uint
	for _, inv := range m.state.invoices {
		if inv.Type != models.InvoiceConsultation || !inv.DueDate.Before(now) {
			continue
		}
		status := m.state.appts[inv.AppointmentID].Status
		if (inv.Status == models.InvoicePending && status == models.StatusAwaitPayment) ||
			(inv.Status == models.InvoiceCancelled && status == models.StatusDoctorApproved) {
			ids = append(ids, inv.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type memTx struct {
	s *memState
}

func (t *memTx) LockAppointment(id uint) (*models.Appointment, error) {
	a, ok := t.s.appts[id]
	if !ok {
		return nil, apperr.NotFound("Appointment not found")
	}
	return &a, nil
}

func (t *memTx) CreateAppointment(a *models.Appointment) error {
	a.ID = t.s.id()
	t.s.appts[a.ID] = *a
	return nil
}

func (t *memTx) SaveAppointment(a *models.Appointment) error {
	t.s.appts[a.ID] = *a
	return nil
}

func (t *memTx) DeleteAppointment(id uint) error {
	delete(t.s.appts, id)
	for k, inv := range t.s.invoices {
		if inv.AppointmentID == id {
			delete(t.s.invoices, k)
		}
	}
	var payments []models.Payment
	for _, p := range t.s.payments {
		if p.AppointmentID != id {
			payments = append(payments, p)
		}
	}
	t.s.payments = payments
	var events []models.AppointmentEvent
	for _, e := range t.s.events {
		if e.AppointmentID != id {
			events = append(events, e)
		}
	}
	t.s.events = events
	return nil
}

func (t *memTx) RecordEvent(e *models.AppointmentEvent) error {
	e.ID = t.s.id()
	t.s.events = append(t.s.events, *e)
	return nil
}

func (t *memTx) ClaimSlot(id uint) (*models.DoctorSchedule, error) {
	slot, ok := t.s.slots[id]
	if !ok || slot.IsBooked || slot.Status != models.ScheduleAccepted {
		return nil, ErrSlotUnavailable
	}
	slot.IsBooked = true
	t.s.slots[id] = slot
	return &slot, nil
}

func (t *memTx) ReleaseSlot(id uint) error {
	slot := t.s.slots[id]
	slot.IsBooked = false
	t.s.slots[id] = slot
	return nil
}

func (t *memTx) GetSlot(id uint) (*models.DoctorSchedule, error) {
	slot, ok := t.s.slots[id]
	if !ok {
		return nil, apperr.NotFound("Time slot not found")
	}
	return &slot, nil
}

func (t *memTx) NextBookedSlot(doctorID uint, from time.Time) (*models.DoctorSchedule, error) {
	var next *models.DoctorSchedule
	for _, slot := range t.s.slots {
		if slot.DoctorID != doctorID || !slot.IsBooked || slot.StartTime.Before(from) {
			continue
		}
		if next == nil || slot.StartTime.Before(next.StartTime) {
			s := slot
			next = &s
		}
	}
	return next, nil
}

func (t *memTx) DoctorProfile(userID uint) (*models.DoctorProfile, error) {
	p, ok := t.s.doctors[userID]
	if !ok {
		return nil, apperr.NotFound("Doctor profile not found")
	}
	return &p, nil
}

func (t *memTx) PatientProfile(userID uint) (*models.PatientProfile, error) {
	p, ok := t.s.patients[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *memTx) EnsureInvoice(inv *models.Invoice) (*models.Invoice, error) {
	for _, existing := range t.s.invoices {
		if existing.AppointmentID == inv.AppointmentID && existing.Type == inv.Type {
			e := existing
			return &e, nil
		}
	}
	inv.ID = t.s.id()
	t.s.invoices[inv.ID] = *inv
	stored := *inv
	return &stored, nil
}

func (t *memTx) GetInvoice(id uint) (*models.Invoice, error) {
	inv, ok := t.s.invoices[id]
	if !ok {
		return nil, apperr.NotFound("Invoice not found")
	}
	return &inv, nil
}

func (t *memTx) GetInvoiceByOrderCode(code int64) (*models.Invoice, error) {
	for _, inv := range t.s.invoices {
		if inv.OrderCode != nil && *inv.OrderCode == code {
			i := inv
			return &i, nil
		}
	}
	return nil, apperr.NotFound("Invoice not found for order code")
}

func (t *memTx) LockInvoice(id uint) (*models.Invoice, error) {
	return t.GetInvoice(id)
}

func (t *memTx) Invoices(appointmentID uint) ([]models.Invoice, error) {
	var out []models.Invoice
	for _, inv := range t.s.invoices {
		if inv.AppointmentID == appointmentID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) SaveInvoice(inv *models.Invoice) error {
	t.s.invoices[inv.ID] = *inv
	return nil
}

func (t *memTx) Payments(appointmentID uint) ([]models.Payment, error) {
	var out []models.Payment
	for _, p := range t.s.payments {
		if p.AppointmentID == appointmentID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memTx) CreatePayment(p *models.Payment) error {
	p.ID = t.s.id()
	t.s.payments = append(t.s.payments, *p)
	return nil
}
