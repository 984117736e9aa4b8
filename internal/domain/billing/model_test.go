package billing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/hms/hms/internal/platform/db"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want AccountStatus
		ok   bool
	}{
		{"Open", StatusOpen, true},
		{"OPEN", StatusOpen, true},
		{" pending ", StatusOpen, true},
		{"Unpaid", StatusOpen, true},
		{"paid", StatusPaid, true},
		{"Paid", StatusPaid, true},
		{"refunded", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseStatus(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	assert.Equal(t, AccountStatus("Void"), normalizeStatus("Void"))
}

func TestComputeCharge(t *testing.T) {
	tests := []struct {
		name                  string
		qty                   int
		price, pct            string
		line, discount, final string
	}{
		{"no discount", 1, "500", "0", "500.00", "0.00", "500.00"},
		{"twenty percent", 3, "100", "20", "300.00", "60.00", "240.00"},
		{"fifteen percent", 2, "50", "15", "100.00", "15.00", "85.00"},
		{"half cent rounds up", 1, "0.05", "10", "0.05", "0.01", "0.04"},
		{"fractional unit price", 3, "33.335", "0", "100.01", "0.00", "100.01"},
		{"full coverage", 4, "12.5", "100", "50.00", "50.00", "0.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, discount, final := ComputeCharge(tt.qty, dec(tt.price), dec(tt.pct))
			assert.Equal(t, tt.line, line.StringFixed(2))
			assert.Equal(t, tt.discount, discount.StringFixed(2))
			assert.Equal(t, tt.final, final.StringFixed(2))
			assert.True(t, line.Sub(discount).Equal(final))
		})
	}
}

func TestItemSource_RoundTrip(t *testing.T) {
	it := &Item{}
	assert.Equal(t, SourceManual, it.Source().Kind)

	it.SetSource(SourceRef{Kind: SourceLabOrder, ID: 77})
	assert.Equal(t, SourceRef{Kind: SourceLabOrder, ID: 77}, it.Source())
	assert.Nil(t, it.AppointmentID)

	it.SetSource(SourceRef{Kind: SourceRoomAssignment, ID: 3})
	assert.Nil(t, it.LabOrderID)
	assert.Equal(t, int64(3), *it.RoomAssignmentID)
}

func TestSourceRef_String(t *testing.T) {
	assert.Equal(t, "lab order 77", SourceRef{Kind: SourceLabOrder, ID: 77}.String())
	assert.Equal(t, "room assignment 3", SourceRef{Kind: SourceRoomAssignment, ID: 3}.String())
	assert.Equal(t, "manual", SourceRef{Kind: SourceManual}.String())
	assert.Equal(t, "prescription_id", SourcePrescription.Column())
	assert.Equal(t, "", SourceManual.Column())
}

func TestDeriveAmounts(t *testing.T) {
	t.Run("legacy row without amount columns", func(t *testing.T) {
		it := &Item{Quantity: 2, UnitPrice: dec("75"), DiscountPercentage: dec("10")}
		it.deriveAmounts(decimal.NullDecimal{}, decimal.NullDecimal{})
		assert.Equal(t, "150.00", it.LineTotal.StringFixed(2))
		assert.Equal(t, "15.00", it.DiscountAmount.StringFixed(2))
		assert.Equal(t, "135.00", it.FinalAmount.StringFixed(2))
	})
	t.Run("stored amounts win", func(t *testing.T) {
		it := &Item{Quantity: 1, UnitPrice: dec("100"), LineTotal: dec("100"), DiscountPercentage: dec("10")}
		it.deriveAmounts(decimal.NullDecimal{Decimal: dec("12"), Valid: true}, decimal.NullDecimal{Decimal: dec("88"), Valid: true})
		assert.True(t, it.DiscountAmount.Equal(dec("12")))
		assert.True(t, it.FinalAmount.Equal(dec("88")))
	})
}

func TestSummarize(t *testing.T) {
	items := []*Item{
		{LineTotal: dec("500"), DiscountAmount: dec("0"), FinalAmount: dec("500")},
		{LineTotal: dec("100"), DiscountAmount: dec("15"), FinalAmount: dec("85")},
	}
	tot := Summarize(items)
	assert.Equal(t, 2, tot.ItemCount)
	assert.Equal(t, "600.00", tot.GrossTotal.StringFixed(2))
	assert.Equal(t, "15.00", tot.InsuranceDiscountTotal.StringFixed(2))
	assert.Equal(t, "585.00", tot.NetTotal.StringFixed(2))
	assert.True(t, tot.TotalAmount.Equal(tot.NetTotal))

	empty := Summarize(nil)
	assert.True(t, empty.GrossTotal.IsZero())
}

func TestPatientInfo(t *testing.T) {
	p := &PatientInfo{PatientID: 9}
	assert.Equal(t, "Patient #9", p.DisplayName())
	assert.Equal(t, PatientOutpatient, p.Type())

	p.FirstName = strPtr("Ana")
	assert.Equal(t, "Ana", p.DisplayName())
	p.LastName = strPtr(" Cruz ")
	assert.Equal(t, "Ana Cruz", p.DisplayName())

	p.HasActiveAdmission = true
	assert.Equal(t, PatientInpatient, p.Type())
	p.PatientType = strPtr("OUTPATIENT")
	assert.Equal(t, PatientOutpatient, p.Type())
}

func TestRoomAssignment_ChargeableDays(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	r := &RoomAssignmentSource{StartDate: start}

	assert.Equal(t, 1, r.ChargeableDays(start), "same instant")
	assert.Equal(t, 1, r.ChargeableDays(start.Add(2*time.Hour)))
	assert.Equal(t, 2, r.ChargeableDays(start.Add(25*time.Hour)))
	assert.Equal(t, 1, r.ChargeableDays(start.Add(-time.Hour)), "clock skew")

	end := start.AddDate(0, 0, 4)
	r.EndDate = &end
	assert.Equal(t, 4, r.ChargeableDays(start.AddDate(0, 0, 30)))
}

func TestRoomAssignment_Rate(t *testing.T) {
	r := &RoomAssignmentSource{
		DailyRate: decimal.NullDecimal{Decimal: dec("0"), Valid: true},
		BaseRate:  decimal.NullDecimal{Decimal: dec("1200"), Valid: true},
	}
	rate, ok := r.Rate(nil)
	assert.True(t, ok)
	assert.True(t, rate.Equal(dec("1200")))

	rate, ok = r.Rate(decPtr("-1"))
	assert.True(t, ok)
	assert.True(t, rate.Equal(dec("1200")))

	_, ok = (&RoomAssignmentSource{}).Rate(nil)
	assert.False(t, ok)
}

func TestSourceDescriptions(t *testing.T) {
	a := &AppointmentSource{AppointmentID: 12, AppointmentType: "Consultation", ScheduledAt: testToday}
	assert.Equal(t, "Consultation fee (Appointment #12, 2026-03-15)", a.description())

	l := &LabOrderSource{LabOrderID: 77, TestName: "CBC"}
	assert.Equal(t, "Lab test: CBC (Order #77)", l.description())

	r := &RoomAssignmentSource{RoomAssignmentID: 5, RoomType: "Private", RoomNumber: "204"}
	assert.Equal(t, "Room charge: Private room 204, 1 day (Assignment #5)", r.description(1))
	assert.Equal(t, "Room charge: Private room 204, 3 days (Assignment #5)", r.description(3))
}

func TestFeeSchedule(t *testing.T) {
	f := NewFeeSchedule(dec("450"))
	tests := map[string]string{
		"Consultation": "500",
		"follow up":    "300",
		"Follow_Up":    "300",
		"CHECK-UP":     "400",
		"Emergency":    "1000",
		"Dental":       "450",
		"":             "450",
	}
	for in, want := range tests {
		assert.True(t, f.Fee(in).Equal(dec(want)), "%q -> %s", in, f.Fee(in))
	}
}

func TestCapabilitiesFrom(t *testing.T) {
	t.Run("full schema", func(t *testing.T) {
		s := db.NewSchema(map[string][]string{
			"billing_accounts":         {"billing_id", "patient_id", "admission_id", "status", "created_by"},
			"billing_items":            {"item_id", "insurance_discount_percentage", "insurance_discount_amount", "created_by"},
			"patients":                 {"patient_id", "first_name", "last_name", "patient_type"},
			"admissions":               {"admission_id", "admitting_doctor_id"},
			"staff":                    {"staff_id"},
			"patient_insurance":        {"provider_name", "status", "start_date", "end_date", "coverage_start_date", "coverage_end_date", "updated_at"},
			"insurance_discount_rates": {"provider_name"},
			"lab_orders":               {"lab_order_id"},
		})
		c := CapabilitiesFrom(s)
		assert.NoError(t, c.Validate())
		assert.Equal(t, CoverageWindowCoverageDates, c.CoverageWindow)
		assert.Equal(t, "updated_at", c.CoverageOrderBy)
		assert.Empty(t, c.Degraded())
	})

	t.Run("minimal legacy schema", func(t *testing.T) {
		s := db.NewSchema(map[string][]string{
			"billing_accounts":  {"billing_id", "patient_id", "admission_id"},
			"billing_items":     {"item_id"},
			"patients":          {"patient_id"},
			"patient_insurance": {"provider_name", "start_date", "end_date", "insurance_id"},
		})
		c := CapabilitiesFrom(s)
		assert.NoError(t, c.Validate())
		assert.False(t, c.AccountStatus)
		assert.Equal(t, CoverageWindowStartEnd, c.CoverageWindow)
		assert.Equal(t, "insurance_id", c.CoverageOrderBy)
		assert.Contains(t, c.Degraded(), "account status (all accounts read as Open, status changes rejected)")
	})

	t.Run("no billing tables", func(t *testing.T) {
		c := CapabilitiesFrom(db.NewSchema(map[string][]string{"patients": {"patient_id"}}))
		assert.ErrorIs(t, c.Validate(), ErrSchemaUnsupported)
	})
}
