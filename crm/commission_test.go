package crm_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/partner-crm/crm"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestComputeCommission(t *testing.T) {
	tests := []struct {
		amount, percent, want string
	}{
		{"100.00", "10", "10.00"},
		{"50.00", "10", "5.00"},
		{"19.99", "7", "1.40"},    // 1.3993
		{"0.05", "7", "0.00"},     // 0.0035
		{"0.50", "5", "0.03"},     // 0.025, half away from zero
		{"133.33", "15", "20.00"}, // 19.9995
		{"0.00", "50", "0.00"},
		{"999.99", "0", "0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.amount+"@"+tt.percent, func(t *testing.T) {
			got := crm.ComputeCommission(dec(tt.amount), dec(tt.percent))
			assert.Equal(t, tt.want, got.StringFixed(2))
		})
	}
}

func TestIsMinorUnitAmount(t *testing.T) {
	assert.True(t, crm.IsMinorUnitAmount(dec("10")))
	assert.True(t, crm.IsMinorUnitAmount(dec("10.5")))
	assert.True(t, crm.IsMinorUnitAmount(dec("10.55")))
	assert.False(t, crm.IsMinorUnitAmount(dec("10.555")))
}

func TestFlatRate_IgnoresSlabs(t *testing.T) {
	terms := crm.CommissionTerms{
		Percent:      dec("10"),
		Slabs:        []crm.CommissionSlab{{MinRevenue: dec("0"), Percent: dec("30")}},
		TotalRevenue: dec("1000"),
	}
	assert.True(t, crm.FlatRate{}.Rate(terms).Equal(dec("10")))
}

func TestTieredRate(t *testing.T) {
	slabs := []crm.CommissionSlab{
		{MinRevenue: dec("100"), Percent: dec("8")},
		{MinRevenue: dec("1000"), Percent: dec("12")},
	}

	tests := []struct {
		name    string
		revenue string
		want    string
	}{
		{"below first slab falls back to flat", "99.99", "5"},
		{"exactly at threshold", "100.00", "8"},
		{"between slabs", "500", "8"},
		{"top slab", "5000", "12"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := crm.TieredRate{}.Rate(crm.CommissionTerms{
				Percent:      dec("5"),
				Slabs:        slabs,
				TotalRevenue: dec(tt.revenue),
			})
			assert.True(t, got.Equal(dec(tt.want)), "got %s", got)
		})
	}
}

func TestResolverForMode(t *testing.T) {
	r, err := crm.ResolverForMode("")
	require.NoError(t, err)
	assert.IsType(t, crm.FlatRate{}, r)

	r, err = crm.ResolverForMode("tiered")
	require.NoError(t, err)
	assert.IsType(t, crm.TieredRate{}, r)

	_, err = crm.ResolverForMode("progressive")
	assert.ErrorIs(t, err, crm.ErrInvalidInput)
}

func TestNormalizeSlabs(t *testing.T) {
	got, err := crm.NormalizeSlabs([]crm.CommissionSlab{
		{MinRevenue: dec("500"), Percent: dec("10")},
		{MinRevenue: dec("0"), Percent: dec("5")},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].MinRevenue.IsZero())

	empty, err := crm.NormalizeSlabs(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)

	invalid := map[string][]crm.CommissionSlab{
		"negative threshold": {{MinRevenue: dec("-1"), Percent: dec("5")}},
		"percent too high":   {{MinRevenue: dec("0"), Percent: dec("50.01")}},
		"negative percent":   {{MinRevenue: dec("0"), Percent: dec("-1")}},
		"duplicate threshold": {
			{MinRevenue: dec("100"), Percent: dec("5")},
			{MinRevenue: dec("100.00"), Percent: dec("6")},
		},
	}
	for name, slabs := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := crm.NormalizeSlabs(slabs)
			assert.ErrorIs(t, err, crm.ErrInvalidInput)
		})
	}
}

func TestValidatePercent(t *testing.T) {
	assert.NoError(t, crm.ValidatePercent(0))
	assert.NoError(t, crm.ValidatePercent(50))
	assert.ErrorIs(t, crm.ValidatePercent(-1), crm.ErrInvalidInput)
	assert.ErrorIs(t, crm.ValidatePercent(51), crm.ErrInvalidInput)
}
