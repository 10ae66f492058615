package billing

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/KAsare1/medibook-server/cmd/models"
	"github.com/jung-kurt/gofpdf"
)

// RenderPDF draws an invoice on a single A4 page.
func RenderPDF(inv *models.Invoice, patient, doctor *models.User) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Arial", "B", 14)
	pdf.SetTextColor(0, 84, 147)
	pdf.CellFormat(0, 10, "Medibook Clinic", "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "B", 12)
	pdf.SetTextColor(0, 0, 0)
	title := "Consultation Invoice"
	if inv.Type == models.InvoiceFinalSettlement {
		title = "Final Settlement Invoice"
	}
	pdf.CellFormat(0, 10, title, "1", 1, "C", false, 0, "")
	pdf.Ln(2)

	addDetail(pdf, "Invoice #", strconv.FormatUint(uint64(inv.ID), 10))
	addDetail(pdf, "Appointment #", strconv.FormatUint(uint64(inv.AppointmentID), 10))
	if patient != nil {
		addDetail(pdf, "Patient", tr(patient.FullName))
	}
	if doctor != nil {
		addDetail(pdf, "Doctor", tr(doctor.FullName))
	}
	addDetail(pdf, "Status", string(inv.Status))
	addDetail(pdf, "Due date", inv.DueDate.Format("2006-01-02 15:04"))
	if inv.PaidAt != nil {
		addDetail(pdf, "Paid at", inv.PaidAt.Format("2006-01-02 15:04"))
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 10)
	pdf.SetFillColor(230, 230, 230)
	pdf.CellFormat(80, 8, "Item", "1", 0, "", true, 0, "")
	pdf.CellFormat(15, 8, "Qty", "1", 0, "C", true, 0, "")
	pdf.CellFormat(30, 8, "Unit price", "1", 0, "R", true, 0, "")
	pdf.CellFormat(30, 8, "Amount", "1", 0, "R", true, 0, "")
	pdf.CellFormat(0, 8, "Insurance", "1", 1, "R", true, 0, "")

	pdf.SetFont("Arial", "", 10)
	for _, it := range inv.Items {
		pdf.CellFormat(80, 8, tr(it.Description), "1", 0, "", false, 0, "")
		pdf.CellFormat(15, 8, strconv.Itoa(it.Quantity), "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 8, FormatVND(it.UnitPrice), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 8, FormatVND(it.Amount), "1", 0, "R", false, 0, "")
		pdf.CellFormat(0, 8, FormatVND(it.Coverage), "1", 1, "R", false, 0, "")
	}
	pdf.Ln(4)

	addDetail(pdf, "Subtotal", FormatVND(inv.Subtotal))
	addDetail(pdf, "Insurance (BHYT)", "-"+FormatVND(inv.InsuranceCoverage))
	addDetail(pdf, "Patient amount", FormatVND(inv.PatientAmount))
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(45, 10, "Amount due", "1", 0, "", false, 0, "")
	pdf.CellFormat(0, 10, FormatVND(inv.AmountDue), "1", 1, "", false, 0, "")

	pdf.SetY(pdf.GetY() + 12)
	pdf.SetFont("Arial", "I", 9)
	pdf.CellFormat(0, 10, "This is a computer generated invoice", "", 1, "R", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render invoice pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func addDetail(pdf *gofpdf.Fpdf, label, value string) {
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(45, 8, label, "1", 0, "", false, 0, "")
	pdf.CellFormat(0, 8, value, "1", 1, "", false, 0, "")
}

// FormatVND renders 1500000 as "1,500,000 VND".
func FormatVND(amount int64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	s := strconv.FormatInt(amount, 10)
	var out []byte
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out) + " VND"
	}
	return string(out) + " VND"
}
