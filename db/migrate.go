package db

import (
	"fmt"
	"strings"

	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/service/lifecycle"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Tables lists every model in dependency order.
func Tables() []interface{} {
	return []interface{}{
		&models.User{},
		&models.DoctorProfile{},
		&models.PatientProfile{},
		&models.PasswordResetToken{},
		&models.DoctorSchedule{},
		&models.Appointment{},
		&models.AppointmentEvent{},
		&models.Invoice{},
		&models.Payment{},
		&models.Device{},
		&models.Notification{},
	}
}

// Migrate creates or updates tables and the indexes gorm tags cannot express.
func Migrate(db *gorm.DB, log *logrus.Entry) error {
	for _, model := range Tables() {
		log.Infof("Migrating %T table...", model)
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("error migrating %T table: %w", model, err)
		}
	}

	if err := db.Exec(activeScheduleIndexSQL()).Error; err != nil {
		return fmt.Errorf("error creating active schedule index: %w", err)
	}
	log.Info("Migrations completed successfully")
	return nil
}

// activeScheduleIndexSQL allows at most one slot-holding appointment per schedule.
func activeScheduleIndexSQL() string {
	statuses := lifecycle.SlotHoldingStatuses()
	quoted := make([]string, len(statuses))
	for i, s := range statuses {
		quoted[i] = "'" + string(s) + "'"
	}
	return fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_appointments_active_schedule ON appointments (schedule_id) WHERE deleted_at IS NULL AND status IN (%s)",
		strings.Join(quoted, ", "),
	)
}

// DropTables drops the given tables, or all of them in reverse order when none are given.
func DropTables(db *gorm.DB, tables []interface{}, log *logrus.Entry) {
	if len(tables) == 0 {
		all := Tables()
		for i := len(all) - 1; i >= 0; i-- {
			tables = append(tables, all[i])
		}
	}

	for _, table := range tables {
		if err := db.Migrator().DropTable(table); err != nil {
			log.WithError(err).Warnf("Warning dropping table %T", table)
		} else {
			log.Infof("Table %T dropped", table)
		}
	}
}

// TableByName resolves a model from its Go type name, as typed on the clear-db prompt.
func TableByName(name string) (interface{}, bool) {
	for _, t := range Tables() {
		if strings.EqualFold(strings.TrimPrefix(fmt.Sprintf("%T", t), "*models."), strings.TrimSpace(name)) {
			return t, true
		}
	}
	return nil, false
}
