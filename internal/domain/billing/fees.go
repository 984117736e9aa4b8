package billing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FeeSchedule prices appointments by type.
type FeeSchedule struct {
	fees     map[string]decimal.Decimal
	fallback decimal.Decimal
}

// NewFeeSchedule returns the standard schedule with fallback used for
// unlisted appointment types.
func NewFeeSchedule(fallback decimal.Decimal) *FeeSchedule {
	return &FeeSchedule{
		fees: map[string]decimal.Decimal{
			"consultation": decimal.NewFromInt(500),
			"follow-up":    decimal.NewFromInt(300),
			"check-up":     decimal.NewFromInt(400),
			"emergency":    decimal.NewFromInt(1000),
		},
		fallback: fallback,
	}
}

// Fee returns the consultation fee for appointmentType.
func (f *FeeSchedule) Fee(appointmentType string) decimal.Decimal {
	key := strings.ToLower(strings.TrimSpace(appointmentType))
	if fee, ok := f.fees[key]; ok {
		return fee
	}
	// Accept "Follow up" and "follow_up" spellings.
	if fee, ok := f.fees[strings.NewReplacer(" ", "-", "_", "-").Replace(key)]; ok {
		return fee
	}
	return f.fallback
}
