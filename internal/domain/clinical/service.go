package clinical

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/domain/billing"
)

// Biller is the part of the billing engine clinical events charge through.
type Biller interface {
	GetOrCreateAccount(ctx context.Context, patientID int64, admissionID, createdBy *int64) (*billing.Account, bool, error)
	AddAppointmentCharge(ctx context.Context, req billing.ChargeRequest) (*billing.AttachResult, error)
	AddPrescriptionCharge(ctx context.Context, req billing.ChargeRequest) (*billing.AttachResult, error)
	AddLabOrderCharge(ctx context.Context, req billing.ChargeRequest) (*billing.AttachResult, error)
	AddRoomCharge(ctx context.Context, req billing.ChargeRequest) (*billing.AttachResult, error)
	BilledCharge(ctx context.Context, ref billing.SourceRef) (*billing.AttachResult, error)
}

var _ Biller = (*billing.Service)(nil)

type Service struct {
	appointments  AppointmentRepository
	prescriptions PrescriptionRepository
	labOrders     LabOrderRepository
	inpatient     InpatientRepository
	biller        Biller
	logger        zerolog.Logger
	now           func() time.Time
}

func NewService(appt AppointmentRepository, rx PrescriptionRepository, lab LabOrderRepository, inpatient InpatientRepository, biller Biller) *Service {
	return &Service{
		appointments:  appt,
		prescriptions: rx,
		labOrders:     lab,
		inpatient:     inpatient,
		biller:        biller,
		logger:        zerolog.Nop(),
		now:           time.Now,
	}
}

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}

// charge attaches a clinical event to the patient's open account for the
// given scope. A source billed on any account, paid or not, is reported as
// already attached without opening a new account. Failures are logged and
// returned as a warning for the caller to show next to the successful event.
func (s *Service) charge(ctx context.Context, ref billing.SourceRef, patientID int64, admissionID, by *int64,
	attach func(ctx context.Context, billingID int64) (*billing.AttachResult, error)) (*billing.AttachResult, string) {
	res, err := s.biller.BilledCharge(ctx, ref)
	if err == nil && res != nil {
		return res, ""
	}
	if err == nil {
		var acct *billing.Account
		if acct, _, err = s.biller.GetOrCreateAccount(ctx, patientID, admissionID, by); err == nil {
			if res, err = attach(ctx, acct.BillingID); err == nil {
				return res, ""
			}
		}
	}
	s.log(ctx).Warn().Err(err).
		Str("source", ref.String()).
		Int64("patient_id", patientID).
		Msg("clinical event recorded without billing")
	return nil, billingWarning(err)
}

func billingWarning(err error) string {
	switch {
	case errors.Is(err, billing.ErrTransient):
		return "billing is temporarily unavailable; add the charge from the billing screen later"
	case errors.Is(err, billing.ErrAccountCreation):
		return "billing account could not be created; add the charge from the billing screen later"
	}
	return "billing failed: " + err.Error()
}

// -- Appointments --

// CreateAppointment books an appointment and charges its consultation fee
// to the patient's outpatient account.
func (s *Service) CreateAppointment(ctx context.Context, a *Appointment) (*Outcome[*Appointment], error) {
	if a.PatientID <= 0 {
		return nil, fmt.Errorf("patient_id is required: %w", ErrInvalidInput)
	}
	if a.ScheduledAt.IsZero() {
		return nil, fmt.Errorf("scheduled_at is required: %w", ErrInvalidInput)
	}
	a.AppointmentType = strings.TrimSpace(a.AppointmentType)
	if a.AppointmentType == "" {
		a.AppointmentType = "Consultation"
	}
	if a.Status == "" {
		a.Status = AppointmentScheduled
	} else if st, ok := ParseAppointmentStatus(string(a.Status)); ok {
		a.Status = st
	} else {
		return nil, fmt.Errorf("%q: %w", a.Status, ErrInvalidStatus)
	}
	if err := s.appointments.Create(ctx, a); err != nil {
		return nil, err
	}
	s.log(ctx).Info().Int64("appointment_id", a.AppointmentID).Int64("patient_id", a.PatientID).Msg("appointment created")

	out := &Outcome[*Appointment]{Record: a}
	if a.Status != AppointmentCancelled && a.Status != AppointmentNoShow {
		out.Billing, out.BillingWarning = s.chargeAppointment(ctx, a)
	}
	return out, nil
}

func (s *Service) chargeAppointment(ctx context.Context, a *Appointment) (*billing.AttachResult, string) {
	return s.charge(ctx, billing.SourceRef{Kind: billing.SourceAppointment, ID: a.AppointmentID}, a.PatientID, nil, a.CreatedBy, func(ctx context.Context, billingID int64) (*billing.AttachResult, error) {
		return s.biller.AddAppointmentCharge(ctx, billing.ChargeRequest{
			BillingID: billingID,
			SourceID:  a.AppointmentID,
			CreatedBy: a.CreatedBy,
		})
	})
}

// SetAppointmentStatus moves an appointment to status. Completing it
// attaches the consultation fee if it is not billed yet.
func (s *Service) SetAppointmentStatus(ctx context.Context, id int64, raw string, by *int64) (*Outcome[*Appointment], error) {
	st, ok := ParseAppointmentStatus(raw)
	if !ok {
		return nil, fmt.Errorf("%q: %w", raw, ErrInvalidStatus)
	}
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != st {
		if err := s.appointments.UpdateStatus(ctx, id, st); err != nil {
			return nil, err
		}
		s.log(ctx).Info().Int64("appointment_id", id).Str("from", string(a.Status)).Str("to", string(st)).Msg("appointment status changed")
		a.Status = st
	}

	out := &Outcome[*Appointment]{Record: a}
	if st == AppointmentCompleted {
		if by == nil {
			by = a.CreatedBy
		}
		a.CreatedBy = by
		out.Billing, out.BillingWarning = s.chargeAppointment(ctx, a)
	}
	return out, nil
}

func (s *Service) ListAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	return s.appointments.List(ctx, f, limit, offset)
}

// -- Pharmacy --

type DispenseRequest struct {
	UnitPrice *decimal.Decimal `json:"unit_price"`
	Quantity  int              `json:"quantity,omitempty"`
}

// DispensePrescription marks a prescription dispensed and charges it to the
// admission's account, or the outpatient account when it has no admission.
// Dispensing again only retries billing.
func (s *Service) DispensePrescription(ctx context.Context, id int64, req DispenseRequest, by *int64) (*Outcome[*Prescription], error) {
	if req.Quantity < 0 {
		return nil, fmt.Errorf("quantity must be positive: %w", ErrInvalidInput)
	}
	p, err := s.prescriptions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == PrescriptionCancelled {
		return nil, fmt.Errorf("prescription %d is cancelled: %w", id, ErrConflict)
	}
	if p.Status != PrescriptionDispensed {
		at := s.now()
		if err := s.prescriptions.MarkDispensed(ctx, id, at, by); err != nil {
			return nil, err
		}
		p.Status, p.DispensedAt, p.DispensedBy = PrescriptionDispensed, &at, by
		s.log(ctx).Info().Int64("prescription_id", id).Msg("prescription dispensed")
	}

	out := &Outcome[*Prescription]{Record: p}
	out.Billing, out.BillingWarning = s.charge(ctx, billing.SourceRef{Kind: billing.SourcePrescription, ID: p.PrescriptionID}, p.PatientID, p.AdmissionID, by, func(ctx context.Context, billingID int64) (*billing.AttachResult, error) {
		return s.biller.AddPrescriptionCharge(ctx, billing.ChargeRequest{
			BillingID: billingID,
			SourceID:  p.PrescriptionID,
			UnitPrice: req.UnitPrice,
			Quantity:  req.Quantity,
			CreatedBy: by,
		})
	})
	return out, nil
}

// -- Laboratory --

type CompleteLabRequest struct {
	Price *decimal.Decimal `json:"price,omitempty"`
}

// CompleteLabOrder records a lab result as complete and bills the test at its
// catalog price unless one is given.
func (s *Service) CompleteLabOrder(ctx context.Context, id int64, req CompleteLabRequest, by *int64) (*Outcome[*LabOrder], error) {
	l, err := s.labOrders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.Status == LabCancelled {
		return nil, fmt.Errorf("lab order %d is cancelled: %w", id, ErrConflict)
	}
	if l.Status != LabCompleted {
		at := s.now()
		if err := s.labOrders.MarkCompleted(ctx, id, at); err != nil {
			return nil, err
		}
		l.Status, l.CompletedAt = LabCompleted, &at
		s.log(ctx).Info().Int64("lab_order_id", id).Msg("lab order completed")
	}

	out := &Outcome[*LabOrder]{Record: l}
	out.Billing, out.BillingWarning = s.charge(ctx, billing.SourceRef{Kind: billing.SourceLabOrder, ID: l.LabOrderID}, l.PatientID, l.AdmissionID, by, func(ctx context.Context, billingID int64) (*billing.AttachResult, error) {
		return s.biller.AddLabOrderCharge(ctx, billing.ChargeRequest{
			BillingID: billingID,
			SourceID:  l.LabOrderID,
			UnitPrice: req.Price,
			CreatedBy: by,
		})
	})
	return out, nil
}

// -- Inpatient --

type AssignRoomRequest struct {
	RoomID    int64            `json:"room_id"`
	DailyRate *decimal.Decimal `json:"daily_rate,omitempty"`
	Days      int              `json:"days,omitempty"`
	StartDate *time.Time       `json:"start_date,omitempty"`
}

// AssignRoom places an admitted patient in a room and charges the stay to
// the admission's account.
func (s *Service) AssignRoom(ctx context.Context, admissionID int64, req AssignRoomRequest, by *int64) (*Outcome[*RoomAssignment], error) {
	if req.RoomID <= 0 {
		return nil, fmt.Errorf("room_id is required: %w", ErrInvalidInput)
	}
	if req.Days < 0 {
		return nil, fmt.Errorf("days must be positive: %w", ErrInvalidInput)
	}
	if req.DailyRate != nil && req.DailyRate.IsNegative() {
		return nil, fmt.Errorf("daily_rate must not be negative: %w", ErrInvalidInput)
	}
	adm, err := s.inpatient.GetAdmission(ctx, admissionID)
	if err != nil {
		return nil, err
	}
	if adm.Discharged() {
		return nil, fmt.Errorf("admission %d is discharged: %w", admissionID, ErrConflict)
	}
	room, err := s.inpatient.GetRoom(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}

	ra := &RoomAssignment{AdmissionID: admissionID, RoomID: room.RoomID, StartDate: s.now()}
	if req.StartDate != nil {
		ra.StartDate = *req.StartDate
	}
	switch {
	case req.DailyRate != nil && req.DailyRate.IsPositive():
		ra.DailyRate = decimal.NullDecimal{Decimal: *req.DailyRate, Valid: true}
	case room.BaseRate.Valid && room.BaseRate.Decimal.IsPositive():
		ra.DailyRate = room.BaseRate
	}
	if err := s.inpatient.CreateAssignment(ctx, ra); err != nil {
		return nil, err
	}
	s.log(ctx).Info().
		Int64("room_assignment_id", ra.RoomAssignmentID).
		Int64("admission_id", admissionID).
		Str("room", room.RoomNumber).
		Msg("room assigned")

	out := &Outcome[*RoomAssignment]{Record: ra}
	out.Billing, out.BillingWarning = s.charge(ctx, billing.SourceRef{Kind: billing.SourceRoomAssignment, ID: ra.RoomAssignmentID}, adm.PatientID, &adm.AdmissionID, by, func(ctx context.Context, billingID int64) (*billing.AttachResult, error) {
		return s.biller.AddRoomCharge(ctx, billing.ChargeRequest{
			BillingID: billingID,
			SourceID:  ra.RoomAssignmentID,
			UnitPrice: req.DailyRate,
			Quantity:  req.Days,
			CreatedBy: by,
		})
	})
	return out, nil
}
