package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus is the lifecycle state of a billing account.
type AccountStatus string

const (
	StatusOpen AccountStatus = "Open"
	StatusPaid AccountStatus = "Paid"
)

// ParseStatus normalizes a stored or requested status. Matching ignores case
// and the legacy "pending" and "unpaid" values read as Open.
func ParseStatus(s string) (AccountStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "pending", "unpaid":
		return StatusOpen, true
	case "paid":
		return StatusPaid, true
	}
	return "", false
}

// normalizeStatus is the read-side counterpart of ParseStatus. Unrecognized
// stored values are passed through unchanged.
func normalizeStatus(raw string) AccountStatus {
	if st, ok := ParseStatus(raw); ok {
		return st
	}
	return AccountStatus(raw)
}

// SourceKind identifies the clinical event behind a billing item.
type SourceKind string

const (
	SourceManual         SourceKind = "manual"
	SourceAppointment    SourceKind = "appointment"
	SourcePrescription   SourceKind = "prescription"
	SourceLabOrder       SourceKind = "lab_order"
	SourceRoomAssignment SourceKind = "room_assignment"
)

// Column returns the billing_items reference column for the kind, or "" for
// manual items.
func (k SourceKind) Column() string {
	switch k {
	case SourceAppointment:
		return "appointment_id"
	case SourcePrescription:
		return "prescription_id"
	case SourceLabOrder:
		return "lab_order_id"
	case SourceRoomAssignment:
		return "room_assignment_id"
	}
	return ""
}

// SourceRef points at the single clinical record an item was raised for.
type SourceRef struct {
	Kind SourceKind `json:"kind"`
	ID   int64      `json:"id,omitempty"`
}

func (r SourceRef) String() string {
	if r.Kind == SourceManual || r.Kind == "" {
		return "manual"
	}
	return fmt.Sprintf("%s %d", strings.ReplaceAll(string(r.Kind), "_", " "), r.ID)
}

type Account struct {
	BillingID   int64         `json:"billing_id"`
	PatientID   int64         `json:"patient_id"`
	AdmissionID *int64        `json:"admission_id"`
	Status      AccountStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	CreatedBy   *int64        `json:"created_by,omitempty"`
}

// IsOpen reports whether the account still accepts charges.
func (a *Account) IsOpen() bool { return a.Status != StatusPaid }

type Item struct {
	ItemID             int64           `json:"item_id"`
	BillingID          int64           `json:"billing_id"`
	PatientID          int64           `json:"patient_id"`
	Description        string          `json:"description"`
	Quantity           int             `json:"quantity"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	LineTotal          decimal.Decimal `json:"line_total"`
	DiscountPercentage decimal.Decimal `json:"insurance_discount_percentage"`
	DiscountAmount     decimal.Decimal `json:"insurance_discount_amount"`
	FinalAmount        decimal.Decimal `json:"final_amount"`
	AppointmentID      *int64          `json:"appointment_id,omitempty"`
	PrescriptionID     *int64          `json:"prescription_id,omitempty"`
	LabOrderID         *int64          `json:"lab_order_id,omitempty"`
	RoomAssignmentID   *int64          `json:"room_assignment_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	CreatedBy          *int64          `json:"created_by,omitempty"`
}

// Source returns the item's clinical reference.
func (it *Item) Source() SourceRef {
	switch {
	case it.AppointmentID != nil:
		return SourceRef{Kind: SourceAppointment, ID: *it.AppointmentID}
	case it.PrescriptionID != nil:
		return SourceRef{Kind: SourcePrescription, ID: *it.PrescriptionID}
	case it.LabOrderID != nil:
		return SourceRef{Kind: SourceLabOrder, ID: *it.LabOrderID}
	case it.RoomAssignmentID != nil:
		return SourceRef{Kind: SourceRoomAssignment, ID: *it.RoomAssignmentID}
	}
	return SourceRef{Kind: SourceManual}
}

// SetSource clears every reference column and sets the one named by ref.
func (it *Item) SetSource(ref SourceRef) {
	it.AppointmentID, it.PrescriptionID, it.LabOrderID, it.RoomAssignmentID = nil, nil, nil, nil
	id := ref.ID
	switch ref.Kind {
	case SourceAppointment:
		it.AppointmentID = &id
	case SourcePrescription:
		it.PrescriptionID = &id
	case SourceLabOrder:
		it.LabOrderID = &id
	case SourceRoomAssignment:
		it.RoomAssignmentID = &id
	}
}

var hundred = decimal.NewFromInt(100)

// ComputeCharge returns the line total, discount and net amount for a charge.
// Each figure is rounded half-up to cents; the net is the rounded line total
// minus the rounded discount so the three always reconcile.
func ComputeCharge(quantity int, unitPrice, pct decimal.Decimal) (line, discount, final decimal.Decimal) {
	line = unitPrice.Mul(decimal.NewFromInt(int64(quantity))).Round(2)
	discount = line.Mul(pct).Div(hundred).Round(2)
	final = line.Sub(discount)
	return line, discount, final
}

// applyAmounts fills the computed money fields of it.
func (it *Item) applyAmounts(pct decimal.Decimal) {
	it.DiscountPercentage = pct
	it.LineTotal, it.DiscountAmount, it.FinalAmount = ComputeCharge(it.Quantity, it.UnitPrice, pct)
}

// deriveAmounts backfills amounts a legacy row does not store. A missing
// discount amount is recomputed from the percentage; a missing net follows.
func (it *Item) deriveAmounts(amount, final decimal.NullDecimal) {
	if it.LineTotal.IsZero() && !it.UnitPrice.IsZero() {
		it.LineTotal = it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))).Round(2)
	}
	if amount.Valid {
		it.DiscountAmount = amount.Decimal
	} else {
		it.DiscountAmount = it.LineTotal.Mul(it.DiscountPercentage).Div(hundred).Round(2)
	}
	if final.Valid && amount.Valid {
		it.FinalAmount = final.Decimal
	} else {
		it.FinalAmount = it.LineTotal.Sub(it.DiscountAmount)
	}
}

// Totals are always recomputed from live items.
type Totals struct {
	ItemCount              int             `json:"item_count"`
	GrossTotal             decimal.Decimal `json:"gross_total"`
	InsuranceDiscountTotal decimal.Decimal `json:"insurance_discount_total"`
	NetTotal               decimal.Decimal `json:"net_total"`
	TotalAmount            decimal.Decimal `json:"total_amount"`
}

func Summarize(items []*Item) Totals {
	t := Totals{ItemCount: len(items)}
	for _, it := range items {
		t.GrossTotal = t.GrossTotal.Add(it.LineTotal)
		t.InsuranceDiscountTotal = t.InsuranceDiscountTotal.Add(it.DiscountAmount)
		t.NetTotal = t.NetTotal.Add(it.FinalAmount)
	}
	t.TotalAmount = t.NetTotal
	return t
}

// PatientType classifies the patient for display.
type PatientType string

const (
	PatientInpatient  PatientType = "Inpatient"
	PatientOutpatient PatientType = "Outpatient"
)

// PatientInfo is the raw patient context read alongside an account.
type PatientInfo struct {
	PatientID          int64
	FirstName          *string
	LastName           *string
	PatientType        *string
	HasActiveAdmission bool
}

// DisplayName joins first and last name, falling back to "Patient #id".
func (p *PatientInfo) DisplayName() string {
	var parts []string
	for _, s := range []*string{p.FirstName, p.LastName} {
		if s != nil && strings.TrimSpace(*s) != "" {
			parts = append(parts, strings.TrimSpace(*s))
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Patient #%d", p.PatientID)
	}
	return strings.Join(parts, " ")
}

// Type prefers the stored patient type, then an open admission.
func (p *PatientInfo) Type() PatientType {
	if p.PatientType != nil {
		switch strings.ToLower(strings.TrimSpace(*p.PatientType)) {
		case "inpatient":
			return PatientInpatient
		case "outpatient":
			return PatientOutpatient
		}
	}
	if p.HasActiveAdmission {
		return PatientInpatient
	}
	return PatientOutpatient
}

type AdmissionSummary struct {
	AdmissionID     int64      `json:"admission_id"`
	AdmissionDate   time.Time  `json:"admission_date"`
	AdmissionType   *string    `json:"admission_type,omitempty"`
	Diagnosis       *string    `json:"diagnosis,omitempty"`
	AdmittingDoctor *string    `json:"admitting_doctor,omitempty"`
	DischargeDate   *time.Time `json:"discharge_date,omitempty"`
}

// ItemView is an item as shown to billing staff. Description may carry live
// lab order context; the stored value stays on Item.Description.
type ItemView struct {
	*Item
	Description string `json:"description"`
}

type AccountView struct {
	Account
	PatientName string            `json:"patient_name"`
	PatientType PatientType       `json:"patient_type"`
	Admission   *AdmissionSummary `json:"admission,omitempty"`
	Items       []ItemView        `json:"items"`
	Totals
}

// AccountSummary is one row of the account listing.
type AccountSummary struct {
	Account
	PatientName string `json:"patient_name"`
	Totals
}

type AccountFilter struct {
	PatientID *int64
	Status    *AccountStatus
	From      *time.Time
	To        *time.Time
}

// LabOrderDetail is the live lab context used to annotate lab items.
type LabOrderDetail struct {
	LabOrderID int64
	TestName   string
	Status     string
}

// AttachResult reports the outcome of a successful charge attach. An already
// attached source is a success with AlreadyAttached set.
type AttachResult struct {
	BillingID       int64     `json:"billing_id"`
	Source          SourceRef `json:"source"`
	Item            *Item     `json:"item,omitempty"`
	AlreadyAttached bool      `json:"already_attached"`
	Message         string    `json:"message"`
}

type StatusResult struct {
	BillingID         int64         `json:"billing_id"`
	Previous          AccountStatus `json:"previous_status"`
	Status            AccountStatus `json:"status"`
	Changed           bool          `json:"changed"`
	LabOrdersAdvanced []int64       `json:"lab_orders_advanced,omitempty"`
	CascadeFailures   int           `json:"cascade_failures,omitempty"`
	Message           string        `json:"message"`
}
