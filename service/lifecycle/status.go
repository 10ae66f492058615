package lifecycle

import "github.com/KAsare1/medibook-server/cmd/models"

var slotHolding = map[models.Status]bool{
	models.StatusBooked:             true,
	models.StatusDoctorApproved:     true,
	models.StatusDoctorReschedule:   true,
	models.StatusAwaitPayment:       true,
	models.StatusConfirmed:          true,
	models.StatusInConsult:          true,
	models.StatusPrescriptionIssued: true,
	models.StatusReadyToDischarge:   true,
	models.StatusAwaitSettlement:    true,
	models.StatusCompleted:          true,
	models.StatusNoShow:             true,
}

var terminal = map[models.Status]bool{
	models.StatusDoctorRejected: true,
	models.StatusPaymentOverdue: true,
	models.StatusCompleted:      true,
	models.StatusCancelled:      true,
	models.StatusRefunded:       true,
	models.StatusNoShow:         true,
}

// HoldsSlot reports whether an appointment in status s keeps its schedule slot
// booked. Completed and no-show visits keep the slot so it is never resold.
func HoldsSlot(s models.Status) bool {
	return slotHolding[s]
}

// ReleasesSlot reports whether entering status to frees the slot.
func ReleasesSlot(to models.Status) bool {
	switch to {
	case models.StatusDoctorRejected, models.StatusPaymentOverdue, models.StatusCancelled:
		return true
	}
	return false
}

func IsTerminal(s models.Status) bool {
	return terminal[s]
}

// SlotHoldingStatuses returns the statuses covered by the one-appointment-per-slot index.
func SlotHoldingStatuses() []models.Status {
	var out []models.Status
	for _, s := range models.AllStatuses {
		if slotHolding[s] {
			out = append(out, s)
		}
	}
	return out
}

// CanExtend reports whether a consultation extension may be requested.
func CanExtend(s models.Status) bool {
	return s == models.StatusInConsult
}

// PatientView maps a status onto the simplified vocabulary shown to patients.
func PatientView(s models.Status) string {
	switch s {
	case models.StatusBooked, models.StatusDoctorApproved, models.StatusDoctorReschedule, models.StatusAwaitPayment:
		return "pending"
	case models.StatusConfirmed:
		return "confirmed"
	case models.StatusInConsult:
		return "examining"
	case models.StatusPrescriptionIssued, models.StatusReadyToDischarge, models.StatusAwaitSettlement:
		return "prescribing"
	case models.StatusCompleted:
		return "done"
	default:
		return "cancelled"
	}
}
