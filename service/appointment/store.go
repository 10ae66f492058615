package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrSlotUnavailable is returned when a slot is booked, unreviewed or missing.
var ErrSlotUnavailable = apperr.Conflict("This time slot is not available")

// Filter narrows appointment listings.
type Filter struct {
	PatientID uint
	DoctorID  uint
	Statuses  []models.Status
	From      *time.Time
	To        *time.Time
	Page      utils.Page
}

// Store is the persistence used by Service.
type Store interface {
	Tx(ctx context.Context, fn func(tx Tx) error) error
	Get(ctx context.Context, id uint) (*models.Appointment, error)
	List(ctx context.Context, f Filter) ([]models.Appointment, int64, error)
	History(ctx context.Context, appointmentID uint) ([]models.AppointmentEvent, error)
	OverdueInvoices(ctx context.Context, now time.Time, limit int) ([]uint, error)
}

// Tx is the set of operations available inside one database transaction.
// Lock* methods take a row lock held until the transaction ends.
type Tx interface {
	LockAppointment(id uint) (*models.Appointment, error)
	CreateAppointment(a *models.Appointment) error
	SaveAppointment(a *models.Appointment) error
	DeleteAppointment(id uint) error
	RecordEvent(e *models.AppointmentEvent) error

	ClaimSlot(id uint) (*models.DoctorSchedule, error)
	ReleaseSlot(id uint) error
	GetSlot(id uint) (*models.DoctorSchedule, error)
	NextBookedSlot(doctorID uint, from time.Time) (*models.DoctorSchedule, error)

	DoctorProfile(userID uint) (*models.DoctorProfile, error)
	PatientProfile(userID uint) (*models.PatientProfile, error)

	EnsureInvoice(inv *models.Invoice) (*models.Invoice, error)
	GetInvoice(id uint) (*models.Invoice, error)
	GetInvoiceByOrderCode(code int64) (*models.Invoice, error)
	LockInvoice(id uint) (*models.Invoice, error)
	Invoices(appointmentID uint) ([]models.Invoice, error)
	SaveInvoice(inv *models.Invoice) error

	Payments(appointmentID uint) ([]models.Payment, error)
	CreatePayment(p *models.Payment) error
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Tx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

func (s *gormStore) Get(ctx context.Context, id uint) (*models.Appointment, error) {
	var a models.Appointment
	err := s.db.WithContext(ctx).
		Preload("Patient").Preload("Doctor").Preload("Schedule").
		First(&a, id).Error
	if err != nil {
		return nil, notFound(err, "Appointment not found")
	}
	return &a, nil
}

func (s *gormStore) List(ctx context.Context, f Filter) ([]models.Appointment, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Appointment{}).Joins("Schedule")
	if f.PatientID != 0 {
		query = query.Where("appointments.patient_id = ?", f.PatientID)
	}
	if f.DoctorID != 0 {
		query = query.Where("appointments.doctor_id = ?", f.DoctorID)
	}
	if len(f.Statuses) > 0 {
		query = query.Where("appointments.status IN ?", f.Statuses)
	}
	if f.From != nil {
		query = query.Where(`"Schedule"."start_time" >= ?`, *f.From)
	}
	if f.To != nil {
		query = query.Where(`"Schedule"."start_time" < ?`, *f.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var appointments []models.Appointment
	err := query.Preload("Patient").Preload("Doctor").
		Order(`"Schedule"."start_time" DESC`).
		Offset(f.Page.Offset()).Limit(f.Page.PageSize).
		Find(&appointments).Error
	return appointments, total, err
}

func (s *gormStore) History(ctx context.Context, appointmentID uint) ([]models.AppointmentEvent, error) {
	var events []models.AppointmentEvent
	err := s.db.WithContext(ctx).
		Where("appointment_id = ?", appointmentID).
		Order("created_at ASC, id ASC").
		Find(&events).Error
	return events, err
}

func (s *gormStore) OverdueInvoices(ctx context.Context, now time.Time, limit int) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.Invoice{}).
		Joins("JOIN appointments ON appointments.id = invoices.appointment_id").
		Where("invoices.type = ? AND invoices.due_date < ?", models.InvoiceConsultation, now).
		Where("(invoices.status = ? AND appointments.status = ?) OR (invoices.status = ? AND appointments.status = ?)",
			models.InvoicePending, models.StatusAwaitPayment, models.InvoiceCancelled, models.StatusDoctorApproved).
		Order("invoices.due_date ASC").
		Limit(limit).
		Pluck("invoices.id", &ids).Error
	return ids, err
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) locking() *gorm.DB {
	return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (t *gormTx) LockAppointment(id uint) (*models.Appointment, error) {
	var a models.Appointment
	if err := t.locking().First(&a, id).Error; err != nil {
		return nil, notFound(err, "Appointment not found")
	}
	return &a, nil
}

func (t *gormTx) CreateAppointment(a *models.Appointment) error {
	return t.db.Omit(clause.Associations).Create(a).Error
}

func (t *gormTx) SaveAppointment(a *models.Appointment) error {
	return t.db.Omit(clause.Associations).Save(a).Error
}

// DeleteAppointment hard-deletes the appointment with its billing records and history.
func (t *gormTx) DeleteAppointment(id uint) error {
	if err := t.db.Where("appointment_id = ?", id).Delete(&models.AppointmentEvent{}).Error; err != nil {
		return err
	}
	if err := t.db.Unscoped().Where("appointment_id = ?", id).Delete(&models.Payment{}).Error; err != nil {
		return err
	}
	if err := t.db.Unscoped().Where("appointment_id = ?", id).Delete(&models.Invoice{}).Error; err != nil {
		return err
	}
	return t.db.Unscoped().Delete(&models.Appointment{}, id).Error
}

func (t *gormTx) RecordEvent(e *models.AppointmentEvent) error {
	return t.db.Create(e).Error
}

// ClaimSlot books a slot only if it is accepted and free. The conditional
// update is what prevents double booking.
func (t *gormTx) ClaimSlot(id uint) (*models.DoctorSchedule, error) {
	res := t.db.Model(&models.DoctorSchedule{}).
		Where("id = ? AND is_booked = ? AND status = ?", id, false, models.ScheduleAccepted).
		Update("is_booked", true)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrSlotUnavailable
	}
	return t.GetSlot(id)
}

func (t *gormTx) ReleaseSlot(id uint) error {
	return t.db.Model(&models.DoctorSchedule{}).
		Where("id = ?", id).
		Update("is_booked", false).Error
}

func (t *gormTx) GetSlot(id uint) (*models.DoctorSchedule, error) {
	var slot models.DoctorSchedule
	if err := t.db.First(&slot, id).Error; err != nil {
		return nil, notFound(err, "Time slot not found")
	}
	return &slot, nil
}

func (t *gormTx) NextBookedSlot(doctorID uint, from time.Time) (*models.DoctorSchedule, error) {
	var slot models.DoctorSchedule
	err := t.db.Where("doctor_id = ? AND is_booked = ? AND start_time >= ?", doctorID, true, from).
		Order("start_time ASC").
		First(&slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &slot, nil
}

func (t *gormTx) DoctorProfile(userID uint) (*models.DoctorProfile, error) {
	var p models.DoctorProfile
	if err := t.db.Where("user_id = ?", userID).First(&p).Error; err != nil {
		return nil, notFound(err, "Doctor profile not found")
	}
	return &p, nil
}

// PatientProfile returns nil without error when the patient has not filled one in.
func (t *gormTx) PatientProfile(userID uint) (*models.PatientProfile, error) {
	var p models.PatientProfile
	err := t.db.Where("user_id = ?", userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// EnsureInvoice inserts inv unless one of the same type exists for the
// appointment, then returns the stored row locked.
func (t *gormTx) EnsureInvoice(inv *models.Invoice) (*models.Invoice, error) {
	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "appointment_id"}, {Name: "type"}},
		DoNothing: true,
	}).Create(inv).Error
	if err != nil {
		return nil, err
	}

	var stored models.Invoice
	err = t.locking().
		Where("appointment_id = ? AND type = ?", inv.AppointmentID, inv.Type).
		First(&stored).Error
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (t *gormTx) GetInvoice(id uint) (*models.Invoice, error) {
	var inv models.Invoice
	if err := t.db.First(&inv, id).Error; err != nil {
		return nil, notFound(err, "Invoice not found")
	}
	return &inv, nil
}

func (t *gormTx) GetInvoiceByOrderCode(code int64) (*models.Invoice, error) {
	var inv models.Invoice
	if err := t.db.Where("order_code = ?", code).First(&inv).Error; err != nil {
		return nil, notFound(err, "Invoice not found for order code")
	}
	return &inv, nil
}

func (t *gormTx) LockInvoice(id uint) (*models.Invoice, error) {
	var inv models.Invoice
	if err := t.locking().First(&inv, id).Error; err != nil {
		return nil, notFound(err, "Invoice not found")
	}
	return &inv, nil
}

func (t *gormTx) Invoices(appointmentID uint) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := t.locking().Where("appointment_id = ?", appointmentID).Order("id ASC").Find(&invoices).Error
	return invoices, err
}

func (t *gormTx) SaveInvoice(inv *models.Invoice) error {
	return t.db.Omit(clause.Associations).Save(inv).Error
}

func (t *gormTx) Payments(appointmentID uint) ([]models.Payment, error) {
	var payments []models.Payment
	err := t.db.Where("appointment_id = ?", appointmentID).Order("id ASC").Find(&payments).Error
	return payments, err
}

func (t *gormTx) CreatePayment(p *models.Payment) error {
	return t.db.Omit(clause.Associations).Create(p).Error
}

func notFound(err error, message string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("%s", message)
	}
	return err
}
