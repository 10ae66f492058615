// Package billing prices appointments, builds invoices and renders them.
package billing

import (
	"math"
	"strings"
	"time"

	"github.com/KAsare1/medibook-server/cmd/config"
	"github.com/KAsare1/medibook-server/cmd/models"
)

// Quote is the price breakdown of a consultation at booking time.
type Quote struct {
	Total             int64   `json:"total"`
	CoverageRate      float64 `json:"coverage_rate"`
	InsuranceCoverage int64   `json:"insurance_coverage"`
	PatientAmount     int64   `json:"patient_amount"`
	Deposit           int64   `json:"deposit"`
}

type Pricer struct {
	bhytEnabled    bool
	depositPercent int
}

func NewPricer(cfg config.BillingConfig) *Pricer {
	return &Pricer{
		bhytEnabled:    cfg.BHYTEnabled,
		depositPercent: cfg.DepositPercent,
	}
}

// Quote prices a consultation of the given fee for a patient on date at.
func (p *Pricer) Quote(fee int64, patient *models.PatientProfile, at time.Time) Quote {
	rate := p.Rate(patient, at)
	coverage := percentOf(fee, rate)
	patientAmount := fee - coverage

	return Quote{
		Total:             fee,
		CoverageRate:      rate,
		InsuranceCoverage: coverage,
		PatientAmount:     patientAmount,
		Deposit:           percentOf(patientAmount, float64(p.depositPercent)/100),
	}
}

// Rate returns the insurance coverage rate for the patient on date at.
func (p *Pricer) Rate(patient *models.PatientProfile, at time.Time) float64 {
	if !p.bhytEnabled || patient == nil {
		return 0
	}
	return CoverageRate(patient.BHYTCardNumber, patient.BHYTValidFrom, patient.BHYTValidTo, at)
}

// CoverageRate reads the benefit level from the third character of a BHYT
// card number. The card must be valid on the date of at.
func CoverageRate(card string, validFrom, validTo *time.Time, at time.Time) float64 {
	card = strings.ToUpper(strings.TrimSpace(card))
	if len(card) < 3 {
		return 0
	}

	day := dateOf(at)
	if validFrom != nil && day.Before(dateOf(*validFrom)) {
		return 0
	}
	if validTo != nil && day.After(dateOf(*validTo)) {
		return 0
	}

	switch card[2] {
	case '1', '2', '5':
		return 1.0
	case '3':
		return 0.95
	case '4':
		return 0.80
	default:
		return 0
	}
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// percentOf rounds to whole VND.
func percentOf(amount int64, rate float64) int64 {
	return int64(math.Round(float64(amount) * rate))
}
