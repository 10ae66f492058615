package billing

import (
	"bytes"
	"testing"
	"time"

	"github.com/KAsare1/medibook-server/cmd/config"
	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestCoverageRate(t *testing.T) {
	at := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	from, to := date(2025, 1, 1), date(2025, 12, 31)

	tests := []struct {
		name string
		card string
		from *time.Time
		to   *time.Time
		want float64
	}{
		{"level 1", "DN1010123456789", from, to, 1.0},
		{"level 2", "HT2010123456789", from, to, 1.0},
		{"level 3", "GD3010123456789", from, to, 0.95},
		{"level 4", "DN4010123456789", from, to, 0.80},
		{"level 5", "CC5010123456789", from, to, 1.0},
		{"unknown level", "DN9010123456789", from, to, 0},
		{"lowercase and spaces", "  dn4010123456789 ", from, to, 0.80},
		{"too short", "DN", from, to, 0},
		{"expired", "DN4010123456789", from, date(2025, 6, 14), 0},
		{"valid through last day", "DN4010123456789", from, date(2025, 6, 15), 0.80},
		{"not yet valid", "DN4010123456789", date(2025, 7, 1), to, 0},
		{"open ended", "DN4010123456789", nil, nil, 0.80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CoverageRate(tt.card, tt.from, tt.to, at))
		})
	}
}

func TestQuote(t *testing.T) {
	at := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	insured := &models.PatientProfile{BHYTCardNumber: "DN4010123456789", BHYTValidTo: date(2026, 1, 1)}

	p := NewPricer(config.BillingConfig{BHYTEnabled: true, DepositPercent: 100})
	q := p.Quote(300000, insured, at)
	assert.Equal(t, int64(300000), q.Total)
	assert.Equal(t, 0.80, q.CoverageRate)
	assert.Equal(t, int64(240000), q.InsuranceCoverage)
	assert.Equal(t, int64(60000), q.PatientAmount)
	assert.Equal(t, int64(60000), q.Deposit)

	q = p.Quote(300000, nil, at)
	assert.Equal(t, int64(0), q.InsuranceCoverage)
	assert.Equal(t, int64(300000), q.Deposit)

	half := NewPricer(config.BillingConfig{BHYTEnabled: true, DepositPercent: 50})
	q = half.Quote(250001, nil, at)
	assert.Equal(t, int64(125001), q.Deposit)

	disabled := NewPricer(config.BillingConfig{BHYTEnabled: false, DepositPercent: 100})
	q = disabled.Quote(300000, insured, at)
	assert.Zero(t, q.CoverageRate)
	assert.Equal(t, int64(300000), q.PatientAmount)
}

func TestConsultationInvoice(t *testing.T) {
	p := NewPricer(config.BillingConfig{BHYTEnabled: true, DepositPercent: 50})
	due := time.Date(2025, 6, 15, 9, 15, 0, 0, time.UTC)
	appt := &models.Appointment{
		ConsultationFee:   300000,
		InsuranceCoverage: 240000,
		PatientAmount:     60000,
		DepositAmount:     30000,
		PatientID:         7,
	}
	appt.ID = 11

	inv := p.ConsultationInvoice(appt, due)
	assert.Equal(t, uint(11), inv.AppointmentID)
	assert.Equal(t, models.InvoiceConsultation, inv.Type)
	assert.Equal(t, models.InvoicePending, inv.Status)
	assert.Equal(t, int64(300000), inv.Subtotal)
	assert.Equal(t, int64(60000), inv.PatientAmount)
	assert.Equal(t, int64(30000), inv.AmountDue)
	assert.Equal(t, due, inv.DueDate)
	require.Len(t, inv.Items, 1)
	assert.True(t, inv.Items[0].InsuranceCovered)
}

func TestSettlementInvoice(t *testing.T) {
	p := NewPricer(config.BillingConfig{BHYTEnabled: true, DepositPercent: 50})
	due := time.Now()

	appt := &models.Appointment{
		ConsultationFee: 300000,
		TotalAmount:     300000,
		CoverageRate:    0.8,
		PatientAmount:   60000,
		Extension: models.Extension{
			Status:  models.ExtensionAccepted,
			Minutes: 15,
			Fee:     100000,
		},
		Prescription: models.PrescriptionItems{
			{Drug: "Paracetamol", Quantity: 2, UnitPrice: 10000, InsuranceCovered: true, Dispensed: true},
			{Drug: "Vitamin C", Quantity: 1, UnitPrice: 50000, Dispensed: true},
			{Drug: "Not dispensed", Quantity: 1, UnitPrice: 90000, Dispensed: false},
		},
	}

	inv, needed := p.SettlementInvoice(appt, 30000, due)
	require.True(t, needed)
	require.Len(t, inv.Items, 4)

	// balance 30000, extension 100000 (80000 covered), rx 20000 (16000 covered), 50000
	assert.Equal(t, int64(200000), inv.Subtotal)
	assert.Equal(t, int64(96000), inv.InsuranceCoverage)
	assert.Equal(t, int64(104000), inv.PatientAmount)
	assert.Equal(t, inv.PatientAmount, inv.AmountDue)

	ApplySettlement(appt, inv)
	assert.Equal(t, int64(470000), appt.TotalAmount)
	assert.Equal(t, int64(60000+74000), appt.PatientAmount)
}

func TestSettlementInvoice_NothingOwed(t *testing.T) {
	p := NewPricer(config.BillingConfig{BHYTEnabled: true, DepositPercent: 100})
	appt := &models.Appointment{PatientAmount: 60000, CoverageRate: 1.0}
	appt.Extension = models.Extension{Status: models.ExtensionAccepted, Minutes: 10, Fee: 50000}

	inv, needed := p.SettlementInvoice(appt, 60000, time.Now())
	assert.False(t, needed)
	assert.Equal(t, int64(0), inv.AmountDue)
	assert.Equal(t, int64(50000), inv.InsuranceCoverage)
}

func TestRenderPDF(t *testing.T) {
	inv := &models.Invoice{
		AppointmentID: 3,
		Type:          models.InvoiceConsultation,
		Items: models.InvoiceItems{
			{Description: "Consultation fee", Quantity: 1, UnitPrice: 300000, Amount: 300000},
		},
		Subtotal:      300000,
		PatientAmount: 300000,
		AmountDue:     300000,
		Status:        models.InvoicePending,
		DueDate:       time.Now(),
	}

	out, err := RenderPDF(inv, &models.User{FullName: "Nguyen Van A"}, &models.User{FullName: "Dr. Tran"})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}

func TestFormatVND(t *testing.T) {
	assert.Equal(t, "0 VND", FormatVND(0))
	assert.Equal(t, "999 VND", FormatVND(999))
	assert.Equal(t, "1,500,000 VND", FormatVND(1500000))
	assert.Equal(t, "-30,000 VND", FormatVND(-30000))
}
