package appointment

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockStore(t *testing.T) (Store, sqlmock.Sqlmock) {
	sqlDB, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)
	return NewStore(gdb), sqlMock
}

func TestClaimSlot_LostRace(t *testing.T) {
	store, sqlMock := newMockStore(t)

	sqlMock.ExpectBegin()
	sqlMock.ExpectExec(`UPDATE "doctor_schedules" SET .* WHERE \(id = \$\d+ AND is_booked = \$\d+ AND status = \$\d+\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	sqlMock.ExpectRollback()

	err := store.Tx(context.Background(), func(tx Tx) error {
		_, err := tx.ClaimSlot(10)
		return err
	})
	assert.ErrorIs(t, err, ErrSlotUnavailable)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestClaimSlot_Wins(t *testing.T) {
	store, sqlMock := newMockStore(t)
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	sqlMock.ExpectBegin()
	sqlMock.ExpectExec(`UPDATE "doctor_schedules" SET .* WHERE \(id = \$\d+ AND is_booked = \$\d+ AND status = \$\d+\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectQuery(`SELECT \* FROM "doctor_schedules" WHERE "doctor_schedules"."id" = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "doctor_id", "start_time", "is_booked", "status"}).
			AddRow(10, 1, start, true, "accepted"))
	sqlMock.ExpectCommit()

	var slot *models.DoctorSchedule
	err := store.Tx(context.Background(), func(tx Tx) error {
		var err error
		slot, err = tx.ClaimSlot(10)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint(10), slot.ID)
	assert.True(t, slot.IsBooked)
	assert.Equal(t, start, slot.StartTime)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestLockAppointment_UsesRowLock(t *testing.T) {
	store, sqlMock := newMockStore(t)

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`SELECT \* FROM "appointments" WHERE .* FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "patient_id", "doctor_id", "status"}).
			AddRow(7, 2, 1, "AWAIT_PAYMENT"))
	sqlMock.ExpectCommit()

	err := store.Tx(context.Background(), func(tx Tx) error {
		appt, err := tx.LockAppointment(7)
		if err != nil {
			return err
		}
		assert.Equal(t, models.StatusAwaitPayment, appt.Status)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestLockAppointment_NotFound(t *testing.T) {
	store, sqlMock := newMockStore(t)

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`SELECT \* FROM "appointments"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	sqlMock.ExpectRollback()

	err := store.Tx(context.Background(), func(tx Tx) error {
		_, err := tx.LockAppointment(7)
		return err
	})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestNextBookedSlot_None(t *testing.T) {
	store, sqlMock := newMockStore(t)

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`SELECT \* FROM "doctor_schedules" WHERE \(doctor_id = \$1 AND is_booked = \$2 AND start_time >= \$3\).*ORDER BY start_time ASC`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	sqlMock.ExpectCommit()

	err := store.Tx(context.Background(), func(tx Tx) error {
		next, err := tx.NextBookedSlot(1, time.Now())
		assert.Nil(t, next)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestPatientProfile_MissingIsNil(t *testing.T) {
	store, sqlMock := newMockStore(t)

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`SELECT \* FROM "patient_profiles" WHERE user_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	sqlMock.ExpectCommit()

	err := store.Tx(context.Background(), func(tx Tx) error {
		p, err := tx.PatientProfile(2)
		assert.Nil(t, p)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestOverdueInvoices(t *testing.T) {
	store, sqlMock := newMockStore(t)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	sqlMock.ExpectQuery(`SELECT .*id.* FROM "invoices" JOIN appointments ON appointments\.id = invoices\.appointment_id WHERE \(invoices\.type = \$1 AND invoices\.due_date < \$2\) AND \(\(invoices\.status = \$3 AND appointments\.status = \$4\) OR \(invoices\.status = \$5 AND appointments\.status = \$6\)\).*ORDER BY invoices\.due_date ASC LIMIT`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5).AddRow(6))

	ids, err := store.OverdueInvoices(context.Background(), now, 50)
	require.NoError(t, err)
	assert.Equal(t, []uint{5, 6}, ids)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}
