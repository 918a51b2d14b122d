package crm

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment outcomes reported to an Observer.
const (
	OutcomeConverted = "converted"
	OutcomeRenewal   = "renewal"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Observer receives ledger telemetry. Implementations must be safe for
// concurrent use.
type Observer interface {
	PaymentRecorded(outcome string)
	CommissionCredited(amount decimal.Decimal)
	Enrolled(referred bool)
	SweepCompleted(expired int64, duration time.Duration, err error)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) PaymentRecorded(string)                     {}
func (NopObserver) CommissionCredited(decimal.Decimal)         {}
func (NopObserver) Enrolled(bool)                              {}
func (NopObserver) SweepCompleted(int64, time.Duration, error) {}
