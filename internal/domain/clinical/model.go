package clinical

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/domain/billing"
)

// AppointmentStatus is the lifecycle state of an appointment.
type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentNoShow    AppointmentStatus = "no_show"
)

// ParseAppointmentStatus accepts any case and "no-show" or "no show".
func ParseAppointmentStatus(s string) (AppointmentStatus, bool) {
	key := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch st := AppointmentStatus(key); st {
	case AppointmentScheduled, AppointmentConfirmed, AppointmentCompleted, AppointmentCancelled, AppointmentNoShow:
		return st, true
	}
	return "", false
}

type Appointment struct {
	AppointmentID   int64             `json:"appointment_id"`
	PatientID       int64             `json:"patient_id"`
	DoctorID        *int64            `json:"doctor_id,omitempty"`
	AppointmentType string            `json:"appointment_type"`
	ScheduledAt     time.Time         `json:"scheduled_at"`
	Status          AppointmentStatus `json:"status"`
	Notes           *string           `json:"notes,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	CreatedBy       *int64            `json:"created_by,omitempty"`
}

const (
	PrescriptionPending   = "pending"
	PrescriptionDispensed = "dispensed"
	PrescriptionCancelled = "cancelled"
)

type Prescription struct {
	PrescriptionID int64      `json:"prescription_id"`
	PatientID      int64      `json:"patient_id"`
	AdmissionID    *int64     `json:"admission_id,omitempty"`
	MedicationName string     `json:"medication_name"`
	Dosage         *string    `json:"dosage,omitempty"`
	Quantity       int        `json:"quantity"`
	Status         string     `json:"status"`
	DispensedAt    *time.Time `json:"dispensed_at,omitempty"`
	DispensedBy    *int64     `json:"dispensed_by,omitempty"`
}

const (
	LabOrdered    = "ordered"
	LabInProgress = "in_progress"
	LabCompleted  = "completed"
	LabCancelled  = "cancelled"
)

type LabOrder struct {
	LabOrderID  int64      `json:"lab_order_id"`
	PatientID   int64      `json:"patient_id"`
	AdmissionID *int64     `json:"admission_id,omitempty"`
	LabTestID   int64      `json:"lab_test_id"`
	TestName    string     `json:"test_name"`
	Status      string     `json:"status"`
	OrderedAt   time.Time  `json:"ordered_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type Admission struct {
	AdmissionID   int64      `json:"admission_id"`
	PatientID     int64      `json:"patient_id"`
	Status        string     `json:"status"`
	DischargeDate *time.Time `json:"discharge_date,omitempty"`
}

// Discharged reports whether the admission no longer accepts room changes.
func (a *Admission) Discharged() bool {
	return a.DischargeDate != nil || strings.EqualFold(a.Status, "discharged")
}

type Room struct {
	RoomID     int64               `json:"room_id"`
	RoomNumber string              `json:"room_number"`
	RoomType   string              `json:"room_type"`
	BaseRate   decimal.NullDecimal `json:"base_rate"`
}

type RoomAssignment struct {
	RoomAssignmentID int64               `json:"room_assignment_id"`
	AdmissionID      int64               `json:"admission_id"`
	RoomID           int64               `json:"room_id"`
	StartDate        time.Time           `json:"start_date"`
	EndDate          *time.Time          `json:"end_date,omitempty"`
	DailyRate        decimal.NullDecimal `json:"daily_rate"`
}

// Outcome is a completed clinical event together with what billing made of
// it. A billing failure never undoes the event; it is reported in
// BillingWarning instead.
type Outcome[T any] struct {
	Record         T                     `json:"record"`
	Billing        *billing.AttachResult `json:"billing,omitempty"`
	BillingWarning string                `json:"billing_warning,omitempty"`
}

type AppointmentFilter struct {
	PatientID *int64
	DoctorID  *int64
	Status    *AppointmentStatus
	From      *time.Time
	To        *time.Time
}
