package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/KAsare1/medibook-server/cmd/logger"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type fakeGateway struct {
	hook     *Webhook
	hookErr  error
	link     *LinkData
	created  []LinkRequest
	canceled []int64
}

func (g *fakeGateway) CreateLink(_ context.Context, req LinkRequest) (*LinkData, error) {
	g.created = append(g.created, req)
	return &LinkData{PaymentLinkID: "link-1", OrderCode: req.OrderCode, CheckoutURL: "https://pay.test/link-1"}, nil
}

func (g *fakeGateway) GetLink(context.Context, int64) (*LinkData, error) {
	if g.link == nil {
		return nil, errors.New("not found")
	}
	return g.link, nil
}

func (g *fakeGateway) CancelLink(_ context.Context, orderCode int64, _ string) error {
	g.canceled = append(g.canceled, orderCode)
	return nil
}

func (g *fakeGateway) VerifyWebhook([]byte) (*Webhook, error) {
	return g.hook, g.hookErr
}

func newTestHandler(t *testing.T, gateway Gateway) (*PaymentHandler, sqlmock.Sqlmock) {
	sqlDB, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)
	return NewPaymentHandler(gdb, nil, gateway, nil, logger.Discard().WithComponent("payment")), sqlMock
}

func publicRouter(h *PaymentHandler) *mux.Router {
	router := mux.NewRouter()
	h.RegisterPublicRoutes(router)
	return router
}

func TestWebhook_InvalidSignature(t *testing.T) {
	h, _ := newTestHandler(t, &fakeGateway{hookErr: ErrInvalidSignature})

	rr := httptest.NewRecorder()
	publicRouter(h).ServeHTTP(rr, httptest.NewRequest("POST", "/payments/payos/webhook", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebhook_AcknowledgesTestAndUnpaidEvents(t *testing.T) {
	tests := []struct {
		name string
		hook *Webhook
	}{
		{"registration ping", &Webhook{Code: "00", Data: WebhookData{OrderCode: testOrderCode, Code: "00"}}},
		{"failed payment", &Webhook{Code: "00", Data: WebhookData{OrderCode: 12001, Code: "01"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, &fakeGateway{hook: tt.hook})

			rr := httptest.NewRecorder()
			publicRouter(h).ServeHTTP(rr, httptest.NewRequest("POST", "/payments/payos/webhook", strings.NewReader(`{}`)))
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.JSONEq(t, `{"success":true}`, rr.Body.String())
		})
	}
}

func TestCancel_RequiresCancelledLink(t *testing.T) {
	h, _ := newTestHandler(t, &fakeGateway{link: &LinkData{OrderCode: 12001, Status: LinkPending}})

	rr := httptest.NewRecorder()
	publicRouter(h).ServeHTTP(rr, httptest.NewRequest("GET", "/payments/payos/cancel?orderCode=12001&cancel=true", nil))
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestReturn_BadOrderCode(t *testing.T) {
	h, _ := newTestHandler(t, &fakeGateway{})

	rr := httptest.NewRecorder()
	publicRouter(h).ServeHTTP(rr, httptest.NewRequest("GET", "/payments/payos/return?orderCode=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateLink_BuildsRequest(t *testing.T) {
	gateway := &fakeGateway{}
	h, _ := newTestHandler(t, gateway)
	due := time.Date(2026, 3, 10, 8, 15, 0, 0, time.UTC)

	inv := &models.Invoice{
		Type:      models.InvoiceConsultation,
		AmountDue: 300000,
		DueDate:   due,
		Items: models.InvoiceItems{
			{Description: "Consultation", Kind: models.ItemConsultation, Quantity: 1, UnitPrice: 300000, Amount: 300000},
		},
	}
	link, err := h.createLink(context.Background(), inv, 12001)
	require.NoError(t, err)
	assert.Equal(t, "link-1", link.ID)
	assert.Equal(t, "https://pay.test/link-1", link.CheckoutURL)

	require.Len(t, gateway.created, 1)
	req := gateway.created[0]
	assert.Equal(t, "MB12001", req.Description)
	assert.Equal(t, int64(300000), req.Amount)
	assert.Equal(t, due.Unix(), req.ExpiredAt)
	assert.Equal(t, []Item{{Name: "Consultation", Quantity: 1, Price: 300000}}, req.Items)

	inv.Type = models.InvoiceFinalSettlement
	_, err = h.createLink(context.Background(), inv, 12002)
	require.NoError(t, err)
	assert.Zero(t, gateway.created[1].ExpiredAt)
}

func TestListPayments_ScopedToPatient(t *testing.T) {
	h, sqlMock := newTestHandler(t, &fakeGateway{})

	sqlMock.ExpectQuery(`SELECT count\(\*\) FROM "payments" WHERE user_id = \$1 AND method = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	sqlMock.ExpectQuery(`SELECT \* FROM "payments" WHERE user_id = \$1 AND method = \$2 .*ORDER BY created_at DESC`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "invoice_id", "user_id", "amount", "kind", "method", "status"}).
			AddRow(1, 4, 2, 300000, "capture", "payos", "captured"))

	router := mux.NewRouter()
	h.RegisterRoutes(router)

	// user_id is ignored for non-admins
	req := httptest.NewRequest("GET", "/payments?user_id=9&method=payos", nil)
	req = req.WithContext(utils.WithActor(req.Context(), models.Actor{ID: 2, Role: models.RolePatient}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"total_items":1`)
	assert.Contains(t, rr.Body.String(), `"has_next":false`)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestParseFilter(t *testing.T) {
	admin := models.Actor{ID: 3, Role: models.RoleAdmin}

	r := httptest.NewRequest("GET", "/payments?user_id=9&kind=refund&start_date=2026-03-01&end_date=2026-03-10", nil)
	f, err := ParseFilter(r, admin)
	require.NoError(t, err)
	assert.Equal(t, uint(9), f.UserID)
	assert.Equal(t, models.PaymentRefund, f.Kind)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), f.StartDate)
	assert.Equal(t, 10, f.EndDate.Day())
	assert.Equal(t, 23, f.EndDate.Hour())

	r = httptest.NewRequest("GET", "/payments?start_date=03/01/2026", nil)
	_, err = ParseFilter(r, admin)
	assert.Error(t, err)

	r = httptest.NewRequest("GET", "/payments?min_amount=ten", nil)
	_, err = ParseFilter(r, admin)
	assert.Error(t, err)
}

func TestNewPaginationMeta(t *testing.T) {
	meta := NewPaginationMeta(utils.Page{Page: 2, PageSize: 10}, 25)
	assert.Equal(t, 3, meta.TotalPages)
	assert.True(t, meta.HasPrevious)
	assert.True(t, meta.HasNext)
}
