/*
store.go - Persistence contract for the revenue ledger

PURPOSE:
  Separates the ledger's units of work from the database. Every primitive
  on Tx is a single statement whose own WHERE clause carries the invariant,
  so correctness never depends on a value read earlier by application code.

KEY INTERFACES:
  Store: Units of work (WithTx), read-only reporting, the set-based sweep
  Tx:    Primitives available inside one database transaction

ATOMIC PRIMITIVES:
  MarkConverted     UPDATE ... WHERE converted_at IS NULL RETURNING partner_id
  CreditCommission  UPDATE partners SET total_revenue = total_revenue + ?, ...
  IncrementAdded    UPDATE partners SET total_added = total_added + 1
  CompareAndSetSubscription
                    UPDATE ... WHERE subscription_status = <observed>

  Aggregate primitives report found=false when no row matched; the Ledger
  turns that into a ConsistencyError and the unit of work rolls back.

IMPLEMENTATIONS:
  - store/sqlite: default, also used by tests
  - store/postgres: pgx
  - crm/store: in-memory, for tests and demos
*/
package crm

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists partners, subscribers, payments and the commission journal.
type Store interface {
	// WithTx runs fn inside one database transaction. fn returning an error
	// rolls back every write made through the Tx.
	WithTx(ctx context.Context, fn func(Tx) error) error

	GetPartner(ctx context.Context, id PartnerID) (*Partner, error)
	ListPartners(ctx context.Context) ([]Partner, error)
	GetSubscriber(ctx context.Context, id UserID) (*Subscriber, error)
	ListSubscribers(ctx context.Context, partnerID *PartnerID) ([]Subscriber, error)
	ListPayments(ctx context.Context, userID UserID) ([]Payment, error)

	// StatusCounts counts subscribers per status, optionally for one partner.
	StatusCounts(ctx context.Context, partnerID *PartnerID) (StatusCounts, error)

	// AuditPartner compares aggregates with the commission journal.
	AuditPartner(ctx context.Context, id PartnerID) (*PartnerAudit, error)

	// ExpireSubscriptions moves every active subscription whose end is
	// before now to expired in one set-based statement.
	ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error)

	// Reset deletes all rows. Demo use only.
	Reset(ctx context.Context) error

	Close() error
}

// Tx is the set of primitives available inside a unit of work.
type Tx interface {
	CreatePartner(ctx context.Context, p Partner) error
	GetPartner(ctx context.Context, id PartnerID) (*Partner, error)
	SetPartnerActive(ctx context.Context, id PartnerID, active bool, at time.Time) (found bool, err error)

	InsertSubscriber(ctx context.Context, s Subscriber) error
	GetSubscriber(ctx context.Context, id UserID) (*Subscriber, error)
	IncrementAdded(ctx context.Context, id PartnerID, at time.Time) (found bool, err error)

	// InsertPayment returns ErrDuplicatePaymentReference on a repeated
	// external reference and ErrUserNotFound for an unknown user.
	InsertPayment(ctx context.Context, p Payment) error

	// MarkConverted converts the user iff converted_at is still NULL,
	// stamping converted_at with paidAt and updated_at with at.
	// won is true only for the execution that performed the transition.
	MarkConverted(ctx context.Context, id UserID, paidAt, at time.Time) (partnerID *PartnerID, won bool, err error)

	// ExtendSubscription moves subscription_ends_at forward to until. When
	// until is after at, an expired subscription becomes active again.
	ExtendSubscription(ctx context.Context, id UserID, until time.Time, at time.Time) error

	// CommissionTerms returns the partner's pricing inputs and holds the
	// partner row for the rest of the unit of work where the engine needs it.
	CommissionTerms(ctx context.Context, id PartnerID) (*CommissionTerms, error)

	CreditCommission(ctx context.Context, id PartnerID, amount decimal.Decimal, at time.Time) (found bool, err error)
	AppendCommission(ctx context.Context, e CommissionEntry) error

	// CompareAndSetSubscription applies upd only if the row is still in
	// status expect. ok is false when the row changed underneath.
	CompareAndSetSubscription(ctx context.Context, id UserID, expect Status, upd SubscriptionUpdate, at time.Time) (ok bool, err error)
}
