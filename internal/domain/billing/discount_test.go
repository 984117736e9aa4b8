package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoverage_ActiveOn(t *testing.T) {
	day := testToday
	tests := []struct {
		name string
		cov  Coverage
		want bool
	}{
		{"open ended", Coverage{Status: strPtr("Active"), StartDate: timePtr(day.AddDate(0, -1, 0))}, true},
		{"status case insensitive", Coverage{Status: strPtr("ACTIVE")}, true},
		{"no status column", Coverage{}, true},
		{"inactive", Coverage{Status: strPtr("Expired")}, false},
		{"starts tomorrow", Coverage{StartDate: timePtr(day.AddDate(0, 0, 1))}, false},
		{"ended yesterday", Coverage{EndDate: timePtr(day.AddDate(0, 0, -1))}, false},
		{"ends today", Coverage{EndDate: timePtr(day.Add(-9 * time.Hour))}, true},
		{"starts later today", Coverage{StartDate: timePtr(day.Add(5 * time.Hour))}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cov.ActiveOn(day))
		})
	}
}

func TestProviderDiscount(t *testing.T) {
	assert.Len(t, providerDiscounts, 15)
	for name, pct := range providerDiscounts {
		assert.True(t, pct.GreaterThanOrEqual(dec("10")) && pct.LessThanOrEqual(dec("25")), name)
	}
	pct, ok := ProviderDiscount("  Blue Cross ")
	assert.True(t, ok)
	assert.True(t, pct.Equal(dec("20")))
	_, ok = ProviderDiscount("Acme Mutual")
	assert.False(t, ok)
}

func newTestResolver(caps Capabilities) (*DiscountResolver, *memStore) {
	store := newMemStore()
	r := NewDiscountResolver(store, caps)
	r.now = func() time.Time { return testToday }
	return r, store
}

func TestDiscountResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("no coverage", func(t *testing.T) {
		r, _ := newTestResolver(FullCapabilities())
		d, err := r.Resolve(ctx, 10)
		require.NoError(t, err)
		assert.True(t, d.Percentage.IsZero())
		assert.Equal(t, DiscountNone, d.Source)
	})

	t.Run("expired coverage", func(t *testing.T) {
		r, store := newTestResolver(FullCapabilities())
		store.coverages[10] = []*Coverage{{Provider: "Aetna", Status: strPtr("Active"), EndDate: timePtr(testToday.AddDate(0, -1, 0))}}
		d, err := r.Resolve(ctx, 10)
		require.NoError(t, err)
		assert.True(t, d.Percentage.IsZero())
	})

	t.Run("configured rate wins", func(t *testing.T) {
		r, store := newTestResolver(FullCapabilities())
		store.withActiveCoverage(10, "Aetna")
		store.rates["Aetna"] = dec("12.5")
		d, err := r.Resolve(ctx, 10)
		require.NoError(t, err)
		assert.True(t, d.Percentage.Equal(dec("12.5")))
		assert.Equal(t, DiscountConfigured, d.Source)
		assert.Equal(t, "Aetna", d.Provider)
	})

	t.Run("configured rate clamped", func(t *testing.T) {
		r, store := newTestResolver(FullCapabilities())
		store.withActiveCoverage(10, "Aetna")
		store.rates["Aetna"] = dec("140")
		d, err := r.Resolve(ctx, 10)
		require.NoError(t, err)
		assert.True(t, d.Percentage.Equal(dec("100")))
	})

	t.Run("provider table", func(t *testing.T) {
		r, store := newTestResolver(FullCapabilities())
		store.withActiveCoverage(10, "Medicare")
		d, err := r.Resolve(ctx, 10)
		require.NoError(t, err)
		assert.True(t, d.Percentage.Equal(dec("25")))
		assert.Equal(t, DiscountProvider, d.Source)
	})

	t.Run("unknown provider gets default", func(t *testing.T) {
		r, store := newTestResolver(FullCapabilities())
		store.withActiveCoverage(10, "Acme Mutual")
		d, err := r.Resolve(ctx, 10)
		require.NoError(t, err)
		assert.True(t, d.Percentage.Equal(dec("10")))
		assert.Equal(t, DiscountDefault, d.Source)
	})

	t.Run("first active coverage is used", func(t *testing.T) {
		r, store := newTestResolver(FullCapabilities())
		store.coverages[10] = []*Coverage{{Provider: "Cigna", Status: strPtr("Inactive")}}
		store.withActiveCoverage(10, "Kaiser Permanente")
		store.withActiveCoverage(10, "MetLife")
		d, err := r.Resolve(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, "Kaiser Permanente", d.Provider)
	})

	t.Run("rates table absent", func(t *testing.T) {
		caps := FullCapabilities()
		caps.DiscountRates = false
		r, store := newTestResolver(caps)
		store.withActiveCoverage(10, "Aetna")
		store.rates["Aetna"] = dec("40")
		d, err := r.Resolve(ctx, 10)
		require.NoError(t, err)
		assert.True(t, d.Percentage.Equal(dec("15")))
	})

	t.Run("coverage table absent", func(t *testing.T) {
		caps := FullCapabilities()
		caps.CoverageTable = false
		r, store := newTestResolver(caps)
		store.withActiveCoverage(10, "Aetna")
		d, err := r.Resolve(ctx, 10)
		require.NoError(t, err)
		assert.True(t, d.Percentage.IsZero())
	})

	t.Run("lookup failure is reported", func(t *testing.T) {
		r, store := newTestResolver(FullCapabilities())
		store.coverageErr = errStoreDown
		d, err := r.Resolve(ctx, 10)
		assert.ErrorIs(t, err, errStoreDown)
		assert.True(t, d.Percentage.IsZero())
	})
}
