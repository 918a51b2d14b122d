/*
Package factory provides JSON to Go partner conversion.

PURPOSE:
  Converts JSON partner definitions into validated crm.Partner values.
  Partner onboarding (admin UI, seed files, demo scenarios) describes
  commission terms in JSON; the factory checks them before anything reaches
  the ledger.

JSON SCHEMA:
  {
    "id": "agency-north",
    "email": "ops@north.example.com",
    "name": "North Agency",
    "commission_percent": 10,
    "commission_slabs": [
      {"min_revenue": "0",    "percent": "10"},
      {"min_revenue": "5000", "percent": "15"}
    ]
  }

VALIDATION:
  - email and name required
  - commission_percent between 0 and 50
  - slabs sorted by min_revenue, percents 0 to 50, no duplicate thresholds

  Aggregates (total_revenue, total_added, total_converted) are not part of
  the schema. They start at zero and only the ledger moves them.

USAGE:
  factory := NewPartnerFactory()
  partner, err := factory.ParsePartner(jsonStr)
  created, err := ledger.CreatePartner(ctx, *partner)

SEE ALSO:
  - crm/commission.go: NormalizeSlabs, ValidatePercent
  - api/scenarios.go: Demo partners built from these presets
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/partner-crm/crm"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PartnerJSON is the JSON representation of a partner's onboarding terms.
type PartnerJSON struct {
	ID                string     `json:"id,omitempty" validate:"omitempty,max=64"`
	Email             string     `json:"email" validate:"required,email,max=254"`
	Name              string     `json:"name" validate:"required,max=200"`
	CommissionPercent int        `json:"commission_percent" validate:"min=0,max=50"`
	CommissionSlabs   []SlabJSON `json:"commission_slabs,omitempty"`
}

// SlabJSON is one revenue bracket. Amounts accept JSON numbers or strings.
type SlabJSON struct {
	MinRevenue decimal.Decimal `json:"min_revenue"`
	Percent    decimal.Decimal `json:"percent"`
}

// =============================================================================
// PARTNER FACTORY
// =============================================================================

// PartnerFactory converts JSON partner definitions to crm.Partner.
type PartnerFactory struct{}

// NewPartnerFactory creates a new partner factory.
func NewPartnerFactory() *PartnerFactory {
	return &PartnerFactory{}
}

// ParsePartner parses a JSON string into a validated Partner.
func (f *PartnerFactory) ParsePartner(jsonStr string) (*crm.Partner, error) {
	var pj PartnerJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, fmt.Errorf("%w: failed to parse partner JSON: %v", crm.ErrInvalidInput, err)
	}
	return f.FromJSON(pj)
}

// FromJSON validates PartnerJSON and converts it to a crm.Partner.
func (f *PartnerFactory) FromJSON(pj PartnerJSON) (*crm.Partner, error) {
	if strings.TrimSpace(pj.Email) == "" {
		return nil, &crm.ValidationError{Field: "email", Message: "is required"}
	}
	if strings.TrimSpace(pj.Name) == "" {
		return nil, &crm.ValidationError{Field: "name", Message: "is required"}
	}
	if err := crm.ValidatePercent(pj.CommissionPercent); err != nil {
		return nil, err
	}

	slabs := make([]crm.CommissionSlab, 0, len(pj.CommissionSlabs))
	for _, sj := range pj.CommissionSlabs {
		slabs = append(slabs, crm.CommissionSlab{MinRevenue: sj.MinRevenue, Percent: sj.Percent})
	}
	normalized, err := crm.NormalizeSlabs(slabs)
	if err != nil {
		return nil, err
	}

	return &crm.Partner{
		ID:                crm.PartnerID(strings.TrimSpace(pj.ID)),
		Email:             strings.TrimSpace(pj.Email),
		Name:              strings.TrimSpace(pj.Name),
		CommissionPercent: pj.CommissionPercent,
		CommissionSlabs:   normalized,
		Active:            true,
	}, nil
}

// ToJSON converts a Partner back to its onboarding representation.
func (f *PartnerFactory) ToJSON(p *crm.Partner) PartnerJSON {
	pj := PartnerJSON{
		ID:                string(p.ID),
		Email:             p.Email,
		Name:              p.Name,
		CommissionPercent: p.CommissionPercent,
	}
	for _, s := range p.CommissionSlabs {
		pj.CommissionSlabs = append(pj.CommissionSlabs, SlabJSON{MinRevenue: s.MinRevenue, Percent: s.Percent})
	}
	return pj
}

// =============================================================================
// PRESET PARTNERS
// =============================================================================

// AffiliateJSON returns a flat-rate affiliate definition.
func AffiliateJSON(id, email, name string, percent int) string {
	return fmt.Sprintf(`{
		"id": %q,
		"email": %q,
		"name": %q,
		"commission_percent": %d
	}`, id, email, name, percent)
}

// AgencyJSON returns a tiered agency definition: base percent, then
// bonusPercent once the agency has earned bonusAfter in commission.
func AgencyJSON(id, email, name string, percent, bonusPercent int, bonusAfter string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"email": %q,
		"name": %q,
		"commission_percent": %d,
		"commission_slabs": [
			{"min_revenue": "0", "percent": "%d"},
			{"min_revenue": %q, "percent": "%d"}
		]
	}`, id, email, name, percent, percent, bonusAfter, bonusPercent)
}
