package billing

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type AppointmentSource struct {
	AppointmentID   int64
	PatientID       *int64
	AppointmentType string
	ScheduledAt     time.Time
}

func (a *AppointmentSource) description() string {
	kind := strings.TrimSpace(a.AppointmentType)
	if kind == "" {
		kind = "Consultation"
	}
	return fmt.Sprintf("%s fee (Appointment #%d, %s)", kind, a.AppointmentID, a.ScheduledAt.Format("2006-01-02"))
}

type PrescriptionSource struct {
	PrescriptionID int64
	PatientID      *int64
	AdmissionID    *int64
	MedicationName string
	Dosage         *string
	Quantity       int
}

func (p *PrescriptionSource) description() string {
	d := "Medication: " + p.MedicationName
	if p.Dosage != nil && strings.TrimSpace(*p.Dosage) != "" {
		d += " " + strings.TrimSpace(*p.Dosage)
	}
	return fmt.Sprintf("%s (Prescription #%d)", d, p.PrescriptionID)
}

type LabOrderSource struct {
	LabOrderID  int64
	PatientID   *int64
	AdmissionID *int64
	TestName    string
	Status      string
	Price       decimal.NullDecimal
}

func (l *LabOrderSource) description() string {
	return fmt.Sprintf("Lab test: %s (Order #%d)", l.TestName, l.LabOrderID)
}

type RoomAssignmentSource struct {
	RoomAssignmentID int64
	AdmissionID      int64
	PatientID        *int64
	RoomNumber       string
	RoomType         string
	StartDate        time.Time
	EndDate          *time.Time
	DailyRate        decimal.NullDecimal
	BaseRate         decimal.NullDecimal
}

func (r *RoomAssignmentSource) description(days int) string {
	unit := "days"
	if days == 1 {
		unit = "day"
	}
	room := strings.TrimSpace(r.RoomType + " room " + r.RoomNumber)
	return fmt.Sprintf("Room charge: %s, %d %s (Assignment #%d)", room, days, unit, r.RoomAssignmentID)
}

// ChargeableDays counts started days between the assignment start and its end,
// or asOf while the patient still occupies the room. The minimum is one.
func (r *RoomAssignmentSource) ChargeableDays(asOf time.Time) int {
	end := asOf
	if r.EndDate != nil {
		end = *r.EndDate
	}
	days := int(math.Ceil(end.Sub(r.StartDate).Hours() / 24))
	if days < 1 {
		return 1
	}
	return days
}

// Rate picks the first positive rate from the explicit override, the
// assignment's own daily rate and the room type's base rate.
func (r *RoomAssignmentSource) Rate(override *decimal.Decimal) (decimal.Decimal, bool) {
	if override != nil && override.IsPositive() {
		return *override, true
	}
	if r.DailyRate.Valid && r.DailyRate.Decimal.IsPositive() {
		return r.DailyRate.Decimal, true
	}
	if r.BaseRate.Valid && r.BaseRate.Decimal.IsPositive() {
		return r.BaseRate.Decimal, true
	}
	return decimal.Zero, false
}

func patientOf(id *int64) (int64, bool) {
	if id == nil || *id <= 0 {
		return 0, false
	}
	return *id, true
}
