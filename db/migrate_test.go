package db

import (
	"testing"

	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/stretchr/testify/assert"
)

func TestActiveScheduleIndexSQL(t *testing.T) {
	sql := activeScheduleIndexSQL()
	assert.Contains(t, sql, "ON appointments (schedule_id)")
	assert.Contains(t, sql, "'AWAIT_PAYMENT'")
	assert.Contains(t, sql, "'CONFIRMED'")
	assert.NotContains(t, sql, "'CANCELLED'")
	assert.NotContains(t, sql, "'PAYMENT_OVERDUE'")
}

func TestTableByName(t *testing.T) {
	table, ok := TableByName(" appointment ")
	assert.True(t, ok)
	assert.IsType(t, &models.Appointment{}, table)

	_, ok = TableByName("Post")
	assert.False(t, ok)
}
