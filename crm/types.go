/*
Package crm provides the revenue-attribution core of the partner CRM.

PURPOSE:
  Partners refer end-users; end-users receive a trial subscription that may
  convert to paid. This package owns the rules that keep partner commission
  totals, conversion counts, and subscription states correct when payment
  events arrive concurrently.

KEY CONCEPTS IN THIS FILE (types.go):
  - Partner: referrer with a commission rate and running aggregates
  - Subscriber: one user-subscription row per end-user
  - Payment: append-only record of a successful charge
  - CommissionEntry: journal line written for every credited conversion

DESIGN PRINCIPLES:
  1. Aggregates move only through single atomic UPDATE statements
  2. Money is decimal.Decimal, rounded to the currency minor unit
  3. Strong ID types keep partner and user identifiers apart
  4. A payment reference is an idempotency key, recorded at most once

SEE ALSO:
  - ledger.go: Units of work (payment, enrollment, status update, sweep)
  - status.go: Subscription state machine
  - commission.go: Rate resolution and commission arithmetic
  - store.go: Persistence contract
*/
package crm

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PartnerID string
type UserID string
type PaymentID string

// =============================================================================
// MONEY
// =============================================================================

// MinorUnitPlaces is the number of decimal places kept for every amount.
const MinorUnitPlaces = 2

// MaxCommissionPercent bounds flat and tiered commission rates.
const MaxCommissionPercent = 50

// RoundMoney rounds to the currency minor unit, half away from zero.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MinorUnitPlaces)
}

// IsMinorUnitAmount reports whether d has no precision below the minor unit.
func IsMinorUnitAmount(d decimal.Decimal) bool {
	return d.Equal(RoundMoney(d))
}

// =============================================================================
// PARTNER
// =============================================================================

// Partner is a referrer. Its aggregates are written only by the Ledger's
// commission and enrollment paths, never by request handlers.
type Partner struct {
	ID                PartnerID
	Email             string
	Name              string
	CommissionPercent int
	CommissionSlabs   []CommissionSlab
	Active            bool

	TotalRevenue   decimal.Decimal
	TotalAdded     int64
	TotalConverted int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CommissionSlab applies Percent once a partner's cumulative revenue has
// reached MinRevenue.
type CommissionSlab struct {
	MinRevenue decimal.Decimal `json:"min_revenue"`
	Percent    decimal.Decimal `json:"percent"`
}

// CommissionTerms is what the accumulator needs to price a conversion.
type CommissionTerms struct {
	PartnerID    PartnerID
	Percent      decimal.Decimal
	Slabs        []CommissionSlab
	TotalRevenue decimal.Decimal
}

// =============================================================================
// SUBSCRIBER
// =============================================================================

type Region string

const (
	RegionIndia       Region = "in"
	RegionUS          Region = "us"
	RegionEU          Region = "eu"
	RegionUK          Region = "uk"
	RegionAPAC        Region = "apac"
	RegionRestOfWorld Region = "row"
)

var regions = map[Region]bool{
	RegionIndia:       true,
	RegionUS:          true,
	RegionEU:          true,
	RegionUK:          true,
	RegionAPAC:        true,
	RegionRestOfWorld: true,
}

// Valid reports whether r is a known region.
func (r Region) Valid() bool { return regions[r] }

// Subscriber is the user-subscription row for one end-user.
type Subscriber struct {
	ID                 UserID
	Email              string
	PartnerID          *PartnerID
	Region             Region
	Status             Status
	SubscriptionEndsAt *time.Time
	ConvertedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Referred reports whether the subscriber counts toward a partner.
func (s Subscriber) Referred() bool {
	return s.PartnerID != nil && *s.PartnerID != ""
}

// Converted reports whether the subscriber has ever paid.
func (s Subscriber) Converted() bool {
	return s.ConvertedAt != nil
}

// SubscriptionUpdate is a partial update issued by admins or partners.
// A nil field is left unchanged.
type SubscriptionUpdate struct {
	Status      *Status
	EndsAt      *time.Time
	ClearEndsAt bool
}

// =============================================================================
// PAYMENT
// =============================================================================

// MaxPaidAtSkew is how far past the ledger clock a processor's paid_at
// may be before the payment is rejected.
const MaxPaidAtSkew = 5 * time.Minute

// Payment is an append-only record of one successful charge.
// ExternalRef is the processor's idempotency key.
type Payment struct {
	ID          PaymentID
	ExternalRef string
	UserID      UserID
	Amount      decimal.Decimal
	Currency    string
	PaidAt      time.Time
	CreatedAt   time.Time

	// CoversUntil, when set, extends the subscriber's paid period.
	CoversUntil *time.Time
}

// PaymentResult describes what a payment event did to the ledger.
type PaymentResult struct {
	Payment    Payment
	Duplicate  bool
	Converted  bool
	PartnerID  *PartnerID
	Rate       decimal.Decimal
	Commission decimal.Decimal
}

// CommissionEntry journals one credited conversion. One per user.
type CommissionEntry struct {
	ID            string
	PartnerID     PartnerID
	UserID        UserID
	PaymentID     PaymentID
	PaymentAmount decimal.Decimal
	Rate          decimal.Decimal
	Amount        decimal.Decimal
	CreatedAt     time.Time
}

// =============================================================================
// REPORTING
// =============================================================================

// StatusCounts maps each subscription status to the number of rows in it.
type StatusCounts map[Status]int64

// Total returns the number of subscribers across all statuses.
func (c StatusCounts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}

// PartnerAudit compares a partner's aggregates with its commission journal.
type PartnerAudit struct {
	PartnerID        PartnerID
	TotalRevenue     decimal.Decimal
	TotalConverted   int64
	JournalRevenue   decimal.Decimal
	JournalConverted int64
}

// Consistent reports whether aggregates match the journal.
func (a PartnerAudit) Consistent() bool {
	return a.TotalRevenue.Equal(a.JournalRevenue) && a.TotalConverted == a.JournalConverted
}
