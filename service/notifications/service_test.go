package notification

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/KAsare1/medibook-server/cmd/config"
	"github.com/KAsare1/medibook-server/cmd/logger"
	"github.com/KAsare1/medibook-server/cmd/models"
	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type fakeSocket struct {
	mu   sync.Mutex
	sent map[uint][][]byte
}

func (f *fakeSocket) SendToUser(userID uint, msg []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[uint][][]byte)
	}
	f.sent[userID] = append(f.sent[userID], msg)
	return 1
}

type mockPusher struct {
	mock.Mock
}

func (m *mockPusher) Publish(msg *expo.PushMessage) (expo.PushResponse, error) {
	args := m.Called(msg)
	return args.Get(0).(expo.PushResponse), args.Error(1)
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)
	return gdb, sqlMock
}

func TestDeliver_PersistsAndPushesToSocket(t *testing.T) {
	gdb, sqlMock := newMockDB(t)
	socket := &fakeSocket{}
	log := logger.Discard().WithComponent("notifications")
	svc := NewService(gdb, socket, nil, NewMailer(config.SMTPConfig{}, log), log)

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`INSERT INTO "notifications"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	sqlMock.ExpectCommit()

	apptID := uint(5)
	err := svc.Deliver(context.Background(), models.Notification{
		UserID:        3,
		Type:          models.NotifyPaymentReceived,
		Title:         "Payment received",
		Body:          "Your appointment is confirmed",
		AppointmentID: &apptID,
	})
	require.NoError(t, err)
	require.NoError(t, sqlMock.ExpectationsWereMet())

	require.Len(t, socket.sent[3], 1)
	var payload struct {
		Type         string              `json:"type"`
		Notification models.Notification `json:"notification"`
	}
	require.NoError(t, json.Unmarshal(socket.sent[3][0], &payload))
	assert.Equal(t, "notification", payload.Type)
	assert.Equal(t, "Payment received", payload.Notification.Title)
	assert.Equal(t, "sent", payload.Notification.Status)
}

func TestDeliver_PushesToRegisteredDevices(t *testing.T) {
	gdb, sqlMock := newMockDB(t)
	pusher := &mockPusher{}
	log := logger.Discard().WithComponent("notifications")
	svc := NewService(gdb, nil, pusher, nil, log)

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`INSERT INTO "notifications"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	sqlMock.ExpectCommit()
	sqlMock.ExpectQuery(`SELECT \* FROM "devices"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "token", "user_id"}).
			AddRow(1, "ExponentPushToken[abc123]", 3))

	pusher.On("Publish", mock.MatchedBy(func(msg *expo.PushMessage) bool {
		return len(msg.To) == 1 && msg.Title == "Hold expired" && msg.Data["type"] == models.NotifyHoldExpired
	})).Return(expo.PushResponse{Status: "ok"}, nil)

	err := svc.Deliver(context.Background(), models.Notification{
		UserID: 3,
		Type:   models.NotifyHoldExpired,
		Title:  "Hold expired",
		Body:   "Your slot was released",
	})
	require.NoError(t, err)
	pusher.AssertExpectations(t)
	require.NoError(t, sqlMock.ExpectationsWereMet())
}
