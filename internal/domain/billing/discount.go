package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DiscountSource records which rule produced a discount percentage.
type DiscountSource string

const (
	DiscountNone       DiscountSource = "none"
	DiscountConfigured DiscountSource = "configured_rate"
	DiscountProvider   DiscountSource = "provider_table"
	DiscountDefault    DiscountSource = "default"
	DiscountExempt     DiscountSource = "exempt"
)

type Discount struct {
	Percentage decimal.Decimal `json:"percentage"`
	Source     DiscountSource  `json:"source"`
	Provider   string          `json:"provider,omitempty"`
}

// NoDiscount is the zero discount.
func NoDiscount(src DiscountSource) Discount {
	return Discount{Percentage: decimal.Zero, Source: src}
}

// Coverage is one insurance record of a patient.
type Coverage struct {
	Provider  string
	Status    *string
	StartDate *time.Time
	EndDate   *time.Time
}

// ActiveOn reports whether the coverage applies on day. A missing status
// column, start or end leaves that bound open.
func (c *Coverage) ActiveOn(day time.Time) bool {
	if c.Status != nil && !strings.EqualFold(strings.TrimSpace(*c.Status), "active") {
		return false
	}
	d := dateOf(day)
	if c.StartDate != nil && dateOf(*c.StartDate).After(d) {
		return false
	}
	if c.EndDate != nil && dateOf(*c.EndDate).Before(d) {
		return false
	}
	return true
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var defaultProviderDiscount = decimal.NewFromInt(10)

var providerDiscounts = map[string]decimal.Decimal{
	"blue cross":        decimal.NewFromInt(20),
	"aetna":             decimal.NewFromInt(15),
	"cigna":             decimal.NewFromInt(15),
	"unitedhealthcare":  decimal.NewFromInt(20),
	"humana":            decimal.NewFromInt(15),
	"kaiser permanente": decimal.NewFromInt(25),
	"medicare":          decimal.NewFromInt(25),
	"medicaid":          decimal.NewFromInt(25),
	"metlife":           decimal.NewFromInt(10),
	"allianz":           decimal.NewFromInt(15),
	"axa":               decimal.NewFromInt(15),
	"bupa":              decimal.NewFromInt(20),
	"prudential":        decimal.NewFromInt(10),
	"maxicare":          decimal.NewFromInt(20),
	"philhealth":        decimal.NewFromInt(25),
}

// ProviderDiscount looks a provider up in the built-in table.
func ProviderDiscount(provider string) (decimal.Decimal, bool) {
	pct, ok := providerDiscounts[strings.ToLower(strings.TrimSpace(provider))]
	return pct, ok
}

// DiscountResolver computes the insurance discount that applies to a
// patient's charges today.
type DiscountResolver struct {
	coverage CoverageRepository
	caps     Capabilities
	now      func() time.Time
}

func NewDiscountResolver(coverage CoverageRepository, caps Capabilities) *DiscountResolver {
	return &DiscountResolver{coverage: coverage, caps: caps, now: time.Now}
}

// Resolve returns the discount for patientID. An error means the lookup
// failed, which is distinct from a legitimate zero discount.
func (r *DiscountResolver) Resolve(ctx context.Context, patientID int64) (Discount, error) {
	if !r.caps.CoverageTable {
		return NoDiscount(DiscountNone), nil
	}
	today := r.now()

	coverages, err := r.coverage.ListCoverage(ctx, patientID)
	if err != nil {
		return NoDiscount(DiscountNone), fmt.Errorf("list coverage for patient %d: %w", patientID, err)
	}
	var active *Coverage
	for _, c := range coverages {
		if c.ActiveOn(today) {
			active = c
			break
		}
	}
	if active == nil {
		return NoDiscount(DiscountNone), nil
	}

	if r.caps.DiscountRates {
		pct, ok, err := r.coverage.ConfiguredRate(ctx, active.Provider, dateOf(today))
		if err != nil {
			return NoDiscount(DiscountNone), fmt.Errorf("discount rate for %q: %w", active.Provider, err)
		}
		if ok {
			return Discount{Percentage: clampPercentage(pct), Source: DiscountConfigured, Provider: active.Provider}, nil
		}
	}
	if pct, ok := ProviderDiscount(active.Provider); ok {
		return Discount{Percentage: pct, Source: DiscountProvider, Provider: active.Provider}, nil
	}
	return Discount{Percentage: defaultProviderDiscount, Source: DiscountDefault, Provider: active.Provider}, nil
}

func clampPercentage(p decimal.Decimal) decimal.Decimal {
	if p.IsNegative() {
		return decimal.Zero
	}
	if p.GreaterThan(hundred) {
		return hundred
	}
	return p
}
