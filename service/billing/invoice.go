package billing

import (
	"fmt"
	"time"

	"github.com/KAsare1/medibook-server/cmd/models"
)

// ConsultationInvoice builds the invoice charged to hold a slot. Only the
// deposit is due; the rest of the patient amount goes on the settlement.
func (p *Pricer) ConsultationInvoice(appt *models.Appointment, due time.Time) models.Invoice {
	item := models.InvoiceItem{
		Description:      "Consultation fee",
		Kind:             models.ItemConsultation,
		Quantity:         1,
		UnitPrice:        appt.ConsultationFee,
		Amount:           appt.ConsultationFee,
		InsuranceCovered: appt.InsuranceCoverage > 0,
		Coverage:         appt.InsuranceCoverage,
	}

	return models.Invoice{
		AppointmentID:     appt.ID,
		Type:              models.InvoiceConsultation,
		PatientID:         appt.PatientID,
		Items:             models.InvoiceItems{item},
		Subtotal:          appt.ConsultationFee,
		InsuranceCoverage: appt.InsuranceCoverage,
		PatientAmount:     appt.PatientAmount,
		AmountDue:         appt.DepositAmount,
		Status:            models.InvoicePending,
		DueDate:           due,
	}
}

// SettlementInvoice builds the final invoice from what is still owed after
// discharge: the unpaid part of the consultation, an accepted extension and
// dispensed medication. It reports false when nothing is owed.
func (p *Pricer) SettlementInvoice(appt *models.Appointment, netPaid int64, due time.Time) (models.Invoice, bool) {
	var items models.InvoiceItems

	if balance := appt.PatientAmount - netPaid; balance > 0 {
		items = append(items, models.InvoiceItem{
			Description: "Consultation balance",
			Kind:        models.ItemBalance,
			Quantity:    1,
			UnitPrice:   balance,
			Amount:      balance,
		})
	}

	if appt.Extension.Status == models.ExtensionAccepted && appt.Extension.Fee > 0 {
		items = append(items, coveredItem(
			fmt.Sprintf("Consultation extension (%d min)", appt.Extension.Minutes),
			models.ItemExtension, 1, appt.Extension.Fee, true, appt.CoverageRate,
		))
	}

	for _, rx := range appt.Prescription {
		if !rx.Dispensed || rx.UnitPrice <= 0 || rx.Quantity <= 0 {
			continue
		}
		items = append(items, coveredItem(
			rx.Drug, models.ItemMedication, rx.Quantity, rx.UnitPrice, rx.InsuranceCovered, appt.CoverageRate,
		))
	}

	inv := models.Invoice{
		AppointmentID: appt.ID,
		Type:          models.InvoiceFinalSettlement,
		PatientID:     appt.PatientID,
		Items:         items,
		Status:        models.InvoicePending,
		DueDate:       due,
	}
	for _, it := range items {
		inv.Subtotal += it.Amount
		inv.InsuranceCoverage += it.Coverage
	}
	inv.PatientAmount = inv.Subtotal - inv.InsuranceCoverage
	inv.AmountDue = inv.PatientAmount

	return inv, inv.AmountDue > 0
}

func coveredItem(desc, kind string, qty int, unit int64, covered bool, rate float64) models.InvoiceItem {
	amount := unit * int64(qty)
	item := models.InvoiceItem{
		Description: desc,
		Kind:        kind,
		Quantity:    qty,
		UnitPrice:   unit,
		Amount:      amount,
	}
	if covered && rate > 0 {
		item.InsuranceCovered = true
		item.Coverage = percentOf(amount, rate)
	}
	return item
}

// ApplySettlement folds the billable extras of a settlement into the
// appointment totals. The consultation balance is already part of them.
func ApplySettlement(appt *models.Appointment, inv models.Invoice) {
	for _, it := range inv.Items {
		if it.Kind == models.ItemBalance {
			continue
		}
		appt.TotalAmount += it.Amount
		appt.InsuranceCoverage += it.Coverage
		appt.PatientAmount += it.Amount - it.Coverage
	}
}
