package models

// Status is the lifecycle state of an appointment.
type Status string

const (
	// StatusNone is the state of an appointment that has not been created yet.
	StatusNone Status = ""

	StatusBooked             Status = "BOOKED"
	StatusDoctorApproved     Status = "DOCTOR_APPROVED"
	StatusDoctorRejected     Status = "DOCTOR_REJECTED"
	StatusDoctorReschedule   Status = "DOCTOR_RESCHEDULE"
	StatusAwaitPayment       Status = "AWAIT_PAYMENT"
	StatusPaymentOverdue     Status = "PAYMENT_OVERDUE"
	StatusConfirmed          Status = "CONFIRMED"
	StatusInConsult          Status = "IN_CONSULT"
	StatusPrescriptionIssued Status = "PRESCRIPTION_ISSUED"
	StatusReadyToDischarge   Status = "READY_TO_DISCHARGE"
	StatusAwaitSettlement    Status = "AWAIT_SETTLEMENT"
	StatusCompleted          Status = "COMPLETED"
	StatusCancelled          Status = "CANCELLED"
	StatusRefunded           Status = "REFUNDED"
	StatusNoShow             Status = "NO_SHOW"
)

// AllStatuses lists every persisted status in lifecycle order.
var AllStatuses = []Status{
	StatusBooked,
	StatusDoctorApproved,
	StatusDoctorRejected,
	StatusDoctorReschedule,
	StatusAwaitPayment,
	StatusPaymentOverdue,
	StatusConfirmed,
	StatusInConsult,
	StatusPrescriptionIssued,
	StatusReadyToDischarge,
	StatusAwaitSettlement,
	StatusCompleted,
	StatusCancelled,
	StatusRefunded,
	StatusNoShow,
}

func (s Status) Valid() bool {
	for _, st := range AllStatuses {
		if st == s {
			return true
		}
	}
	return false
}
