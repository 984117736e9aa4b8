package billing

import (
	"fmt"

	"github.com/hms/hms/internal/platform/db"
)

// CoverageWindow names the pair of columns bounding an insurance coverage.
type CoverageWindow int

const (
	CoverageWindowNone CoverageWindow = iota
	CoverageWindowStartEnd
	CoverageWindowCoverageDates
)

func (w CoverageWindow) String() string {
	switch w {
	case CoverageWindowStartEnd:
		return "start_date/end_date"
	case CoverageWindowCoverageDates:
		return "coverage_start_date/coverage_end_date"
	}
	return "none"
}

// Columns returns the start and end column names, or empty strings.
func (w CoverageWindow) Columns() (string, string) {
	switch w {
	case CoverageWindowStartEnd:
		return "start_date", "end_date"
	case CoverageWindowCoverageDates:
		return "coverage_start_date", "coverage_end_date"
	}
	return "", ""
}

// Capabilities records which optional parts of the billing schema a database
// provides. It is resolved once at startup and every query is shaped by it.
type Capabilities struct {
	BillingTables          bool
	AccountStatus          bool
	AccountCreatedBy       bool
	ItemDiscountPercentage bool
	ItemDiscountAmount     bool
	ItemCreatedBy          bool
	PatientNames           bool
	PatientType            bool
	Admissions             bool
	AdmittingDoctor        bool
	CoverageTable          bool
	CoverageStatus         bool
	CoverageWindow         CoverageWindow
	CoverageOrderBy        string
	DiscountRates          bool
	LabOrders              bool
}

// FullCapabilities describes the schema shipped in migrations/.
func FullCapabilities() Capabilities {
	return Capabilities{
		BillingTables:          true,
		AccountStatus:          true,
		AccountCreatedBy:       true,
		ItemDiscountPercentage: true,
		ItemDiscountAmount:     true,
		ItemCreatedBy:          true,
		PatientNames:           true,
		PatientType:            true,
		Admissions:             true,
		AdmittingDoctor:        true,
		CoverageTable:          true,
		CoverageStatus:         true,
		CoverageWindow:         CoverageWindowCoverageDates,
		CoverageOrderBy:        "updated_at",
		DiscountRates:          true,
		LabOrders:              true,
	}
}

// CapabilitiesFrom derives capabilities from an inspected schema. When both
// coverage window variants exist the coverage_* columns win.
func CapabilitiesFrom(s *db.Schema) Capabilities {
	c := Capabilities{
		BillingTables:          s.HasTable("billing_accounts") && s.HasTable("billing_items"),
		AccountStatus:          s.HasColumn("billing_accounts", "status"),
		AccountCreatedBy:       s.HasColumn("billing_accounts", "created_by"),
		ItemDiscountPercentage: s.HasColumn("billing_items", "insurance_discount_percentage"),
		ItemDiscountAmount:     s.HasColumn("billing_items", "insurance_discount_amount"),
		ItemCreatedBy:          s.HasColumn("billing_items", "created_by"),
		PatientNames:           s.HasColumn("patients", "first_name") && s.HasColumn("patients", "last_name"),
		PatientType:            s.HasColumn("patients", "patient_type"),
		Admissions:             s.HasTable("admissions"),
		AdmittingDoctor:        s.HasColumn("admissions", "admitting_doctor_id") && s.HasTable("staff"),
		CoverageTable:          s.HasTable("patient_insurance"),
		CoverageStatus:         s.HasColumn("patient_insurance", "status"),
		DiscountRates:          s.HasTable("insurance_discount_rates"),
		LabOrders:              s.HasTable("lab_orders"),
	}
	switch {
	case s.HasColumn("patient_insurance", "coverage_start_date") && s.HasColumn("patient_insurance", "coverage_end_date"):
		c.CoverageWindow = CoverageWindowCoverageDates
	case s.HasColumn("patient_insurance", "start_date") && s.HasColumn("patient_insurance", "end_date"):
		c.CoverageWindow = CoverageWindowStartEnd
	}
	for _, col := range []string{"updated_at", "created_at", "insurance_id"} {
		if s.HasColumn("patient_insurance", col) {
			c.CoverageOrderBy = col
			break
		}
	}
	return c
}

// Validate fails when the tables the engine cannot work without are absent.
func (c Capabilities) Validate() error {
	if !c.BillingTables {
		return fmt.Errorf("billing_accounts and billing_items: %w", ErrSchemaUnsupported)
	}
	return nil
}

// Degraded lists optional features running on their fallback behavior.
func (c Capabilities) Degraded() []string {
	var out []string
	add := func(ok bool, what string) {
		if !ok {
			out = append(out, what)
		}
	}
	add(c.AccountStatus, "account status (all accounts read as Open, status changes rejected)")
	add(c.ItemDiscountPercentage, "item discount percentage (discounts stored as 0)")
	add(c.ItemDiscountAmount, "item discount amount (derived from percentage)")
	add(c.PatientNames, "patient names (shown as Patient #id)")
	add(c.PatientType, "patient type (derived from admissions)")
	add(c.Admissions, "admissions (all patients read as Outpatient)")
	add(c.CoverageTable, "insurance coverage (no discounts)")
	add(c.CoverageStatus, "coverage status (every coverage treated as active)")
	add(c.CoverageWindow != CoverageWindowNone, "coverage window (coverage valid while active)")
	add(c.DiscountRates, "configured discount rates (provider table used)")
	add(c.LabOrders, "lab orders (no status cascade on payment)")
	return out
}
