/*
commission.go - Commission rate resolution and arithmetic

RATES:
  FlatRate   uses the partner's commission_percent. Default.
  TieredRate picks the slab with the highest min_revenue that the partner's
             cumulative revenue has reached, falling back to the flat percent.

ARITHMETIC:
  commission = round(amount * percent / 100, 2)

  Decimal only. Each credit is rounded to the minor unit before it is added
  to the partner's total, so a total is always the exact sum of its journal
  lines regardless of the order credits land in.
*/
package crm

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// RateResolver picks the commission percent for one conversion.
type RateResolver interface {
	Rate(terms CommissionTerms) decimal.Decimal
}

// FlatRate always returns the partner's flat percent.
type FlatRate struct{}

func (FlatRate) Rate(terms CommissionTerms) decimal.Decimal {
	return terms.Percent
}

// TieredRate resolves the percent from the partner's revenue slabs.
type TieredRate struct{}

func (TieredRate) Rate(terms CommissionTerms) decimal.Decimal {
	rate := terms.Percent
	best := decimal.NewFromInt(-1)
	for _, slab := range terms.Slabs {
		if slab.MinRevenue.LessThanOrEqual(terms.TotalRevenue) && slab.MinRevenue.GreaterThan(best) {
			best = slab.MinRevenue
			rate = slab.Percent
		}
	}
	return rate
}

// ResolverForMode maps a configured mode name to a RateResolver.
func ResolverForMode(mode string) (RateResolver, error) {
	switch mode {
	case "", "flat":
		return FlatRate{}, nil
	case "tiered":
		return TieredRate{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown commission mode %q", ErrInvalidInput, mode)
	}
}

// ComputeCommission returns amount * percent / 100 rounded to the minor unit.
func ComputeCommission(amount, percent decimal.Decimal) decimal.Decimal {
	return RoundMoney(amount.Mul(percent).Div(hundred))
}

// ValidatePercent checks a flat commission percent.
func ValidatePercent(p int) error {
	if p < 0 || p > MaxCommissionPercent {
		return invalid("commission_percent", "must be between 0 and %d, got %d", MaxCommissionPercent, p)
	}
	return nil
}

// NormalizeSlabs validates slabs and returns them sorted by MinRevenue.
func NormalizeSlabs(slabs []CommissionSlab) ([]CommissionSlab, error) {
	if len(slabs) == 0 {
		return nil, nil
	}
	out := make([]CommissionSlab, len(slabs))
	copy(out, slabs)
	sort.Slice(out, func(i, j int) bool {
		return out[i].MinRevenue.LessThan(out[j].MinRevenue)
	})

	limit := decimal.NewFromInt(MaxCommissionPercent)
	for i, s := range out {
		if s.MinRevenue.IsNegative() {
			return nil, invalid("commission_slabs", "min_revenue must not be negative")
		}
		if s.Percent.IsNegative() || s.Percent.GreaterThan(limit) {
			return nil, invalid("commission_slabs", "percent must be between 0 and %d, got %s", MaxCommissionPercent, s.Percent)
		}
		if i > 0 && s.MinRevenue.Equal(out[i-1].MinRevenue) {
			return nil, invalid("commission_slabs", "duplicate min_revenue %s", s.MinRevenue)
		}
	}
	return out, nil
}
