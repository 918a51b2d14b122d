/*
ledger.go - Units of work for the revenue ledger

PURPOSE:
  Each exported method is one database transaction that performs a causing
  write together with its dependent aggregate updates. There are no hidden
  database triggers doing the bookkeeping; the invariant is visible here and
  testable against any Store.

OPERATIONS:
  RecordPayment       payment insert + conversion + commission credit
  Enroll              subscriber insert + partner total_added increment
  UpdateSubscription  status guard + compare-and-set update
  SweepExpired        set-based active -> expired
  CreatePartner       partner row with zero aggregates
  SetPartnerActive    soft enable/disable

PAYMENT FLOW:
  1. Insert payment (unique external_ref)
     - duplicate reference: roll back, report Duplicate, no error
  2. MarkConverted: UPDATE ... WHERE converted_at IS NULL RETURNING partner_id
     - no row: renewal or lost race, commit without crediting
     - row, NULL partner: converted, nothing to credit
  3. CommissionTerms -> RateResolver -> ComputeCommission
  4. CreditCommission (single arithmetic UPDATE), AppendCommission
     - partner row missing: ConsistencyError, everything rolls back

  Exactly one of several concurrent payments for the same user observes the
  matched row in step 2, so the partner is credited once per user.

SEE ALSO:
  - store.go: Primitives used here
  - status.go: CheckTransition
  - commission.go: RateResolver
*/
package crm

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger runs the invariant-bearing units of work over a Store.
type Ledger struct {
	store    Store
	rates    RateResolver
	logger   *zap.Logger
	observer Observer
	now      func() time.Time
	newID    func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRateResolver sets how commission percents are resolved.
func WithRateResolver(r RateResolver) Option {
	return func(l *Ledger) { l.rates = r }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observer = o }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger with flat-rate commission and no logging.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		rates:    FlatRate{},
		logger:   zap.NewNop(),
		observer: NopObserver{},
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store for read-only queries.
func (l *Ledger) Store() Store {
	return l.store
}

func (l *Ledger) clock() time.Time {
	return l.now().UTC()
}

// =============================================================================
// PARTNERS
// =============================================================================

// CreatePartner stores a new active partner with zero aggregates.
func (l *Ledger) CreatePartner(ctx context.Context, p Partner) (*Partner, error) {
	email, err := normalizeEmail(p.Email)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, invalid("name", "is required")
	}
	if err := ValidatePercent(p.CommissionPercent); err != nil {
		return nil, err
	}
	slabs, err := NormalizeSlabs(p.CommissionSlabs)
	if err != nil {
		return nil, err
	}

	now := l.clock()
	created := Partner{
		ID:                p.ID,
		Email:             email,
		Name:              strings.TrimSpace(p.Name),
		CommissionPercent: p.CommissionPercent,
		CommissionSlabs:   slabs,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if created.ID == "" {
		created.ID = PartnerID(l.newID())
	}

	if err := l.store.WithTx(ctx, func(tx Tx) error {
		return tx.CreatePartner(ctx, created)
	}); err != nil {
		return nil, fmt.Errorf("create partner: %w", err)
	}

	l.logger.Info("partner created",
		zap.String("partner_id", string(created.ID)),
		zap.Int("commission_percent", created.CommissionPercent),
		zap.Int("slabs", len(created.CommissionSlabs)))
	return &created, nil
}

// SetPartnerActive soft-enables or soft-disables a partner.
func (l *Ledger) SetPartnerActive(ctx context.Context, id PartnerID, active bool) error {
	err := l.store.WithTx(ctx, func(tx Tx) error {
		found, err := tx.SetPartnerActive(ctx, id, active, l.clock())
		if err != nil {
			return err
		}
		if !found {
			return ErrPartnerNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set partner %s active=%t: %w", id, active, err)
	}
	l.logger.Info("partner active flag changed",
		zap.String("partner_id", string(id)), zap.Bool("active", active))
	return nil
}

// =============================================================================
// ENROLLMENT COUNTER
// =============================================================================

// Enroll provisions a subscriber in state added and, when referred,
// increments the partner's total_added in the same transaction.
func (l *Ledger) Enroll(ctx context.Context, s Subscriber) (*Subscriber, error) {
	email, err := normalizeEmail(s.Email)
	if err != nil {
		return nil, err
	}
	if s.Region == "" {
		s.Region = RegionRestOfWorld
	}
	if !s.Region.Valid() {
		return nil, invalid("region", "unknown region %q", s.Region)
	}

	now := l.clock()
	sub := Subscriber{
		ID:                 s.ID,
		Email:              email,
		Region:             s.Region,
		Status:             StatusAdded,
		SubscriptionEndsAt: utcPtr(s.SubscriptionEndsAt),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if sub.ID == "" {
		sub.ID = UserID(l.newID())
	}
	if s.Referred() {
		pid := *s.PartnerID
		sub.PartnerID = &pid
	}

	err = l.store.WithTx(ctx, func(tx Tx) error {
		if sub.PartnerID != nil {
			p, err := tx.GetPartner(ctx, *sub.PartnerID)
			if err != nil {
				return err
			}
			if !p.Active {
				return ErrPartnerInactive
			}
		}
		if err := tx.InsertSubscriber(ctx, sub); err != nil {
			return err
		}
		if sub.PartnerID == nil {
			return nil
		}
		found, err := tx.IncrementAdded(ctx, *sub.PartnerID, now)
		if err != nil {
			return err
		}
		if !found {
			return &ConsistencyError{PartnerID: *sub.PartnerID, Op: "increment total_added"}
		}
		return nil
	})
	if err != nil {
		l.logger.Warn("enrollment failed", zap.String("user_id", string(sub.ID)), zap.Error(err))
		return nil, fmt.Errorf("enroll %s: %w", sub.ID, err)
	}

	l.observer.Enrolled(sub.PartnerID != nil)
	fields := []zap.Field{zap.String("user_id", string(sub.ID)), zap.String("region", string(sub.Region))}
	if sub.PartnerID != nil {
		fields = append(fields, zap.String("partner_id", string(*sub.PartnerID)))
	}
	l.logger.Info("subscriber enrolled", fields...)
	return &sub, nil
}

// =============================================================================
// CONVERSION TRIGGER + COMMISSION ACCUMULATOR
// =============================================================================

// RecordPayment appends a payment and, if it is the user's first, converts
// the user and credits the referring partner, all in one transaction.
// A repeated ExternalRef returns a result with Duplicate set and nil error.
func (l *Ledger) RecordPayment(ctx context.Context, p Payment) (*PaymentResult, error) {
	payment, err := l.preparePayment(p)
	if err != nil {
		return nil, err
	}

	var result PaymentResult
	err = l.store.WithTx(ctx, func(tx Tx) error {
		result = PaymentResult{Payment: payment}

		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}

		partnerID, won, err := tx.MarkConverted(ctx, payment.UserID, payment.PaidAt, payment.CreatedAt)
		if err != nil {
			return err
		}

		if payment.CoversUntil != nil {
			if err := tx.ExtendSubscription(ctx, payment.UserID, *payment.CoversUntil, payment.CreatedAt); err != nil {
				return err
			}
		}

		if !won {
			return nil
		}
		result.Converted = true
		if partnerID == nil {
			return nil
		}
		result.PartnerID = partnerID
		return l.accumulate(ctx, tx, *partnerID, payment, &result)
	})

	switch {
	case errors.Is(err, ErrDuplicatePaymentReference):
		l.observer.PaymentRecorded(OutcomeDuplicate)
		l.logger.Info("payment already recorded",
			zap.String("external_ref", payment.ExternalRef),
			zap.String("user_id", string(payment.UserID)))
		return &PaymentResult{Payment: payment, Duplicate: true}, nil
	case err != nil:
		l.observer.PaymentRecorded(OutcomeFailed)
		l.logger.Error("payment rolled back",
			zap.String("external_ref", payment.ExternalRef),
			zap.String("user_id", string(payment.UserID)),
			zap.Error(err))
		return nil, fmt.Errorf("record payment %s: %w", payment.ExternalRef, err)
	}

	if result.Converted {
		l.observer.PaymentRecorded(OutcomeConverted)
	} else {
		l.observer.PaymentRecorded(OutcomeRenewal)
	}
	if result.PartnerID != nil {
		l.observer.CommissionCredited(result.Commission)
	}
	l.logger.Info("payment recorded",
		zap.String("external_ref", payment.ExternalRef),
		zap.String("user_id", string(payment.UserID)),
		zap.Bool("converted", result.Converted),
		zap.String("commission", result.Commission.StringFixed(MinorUnitPlaces)))
	return &result, nil
}

// accumulate prices the conversion and credits the partner row with a
// single arithmetic update.
func (l *Ledger) accumulate(ctx context.Context, tx Tx, pid PartnerID, p Payment, result *PaymentResult) error {
	terms, err := tx.CommissionTerms(ctx, pid)
	if errors.Is(err, ErrPartnerNotFound) {
		return &ConsistencyError{PartnerID: pid, Op: "commission lookup"}
	}
	if err != nil {
		return err
	}

	rate := l.rates.Rate(*terms)
	amount := ComputeCommission(p.Amount, rate)

	found, err := tx.CreditCommission(ctx, pid, amount, p.CreatedAt)
	if err != nil {
		return err
	}
	if !found {
		return &ConsistencyError{PartnerID: pid, Op: "credit commission"}
	}

	if err := tx.AppendCommission(ctx, CommissionEntry{
		ID:            l.newID(),
		PartnerID:     pid,
		UserID:        p.UserID,
		PaymentID:     p.ID,
		PaymentAmount: p.Amount,
		Rate:          rate,
		Amount:        amount,
		CreatedAt:     p.CreatedAt,
	}); err != nil {
		return err
	}

	result.Rate = rate
	result.Commission = amount
	return nil
}

func (l *Ledger) preparePayment(p Payment) (Payment, error) {
	p.ExternalRef = strings.TrimSpace(p.ExternalRef)
	if p.ExternalRef == "" {
		return p, invalid("external_ref", "is required")
	}
	if p.UserID == "" {
		return p, invalid("user_id", "is required")
	}
	if p.Amount.IsNegative() {
		return p, invalid("amount", "must not be negative")
	}
	if !IsMinorUnitAmount(p.Amount) {
		return p, invalid("amount", "has more than %d decimal places", MinorUnitPlaces)
	}
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if len(p.Currency) != 3 {
		return p, invalid("currency", "must be a 3-letter code")
	}

	now := l.clock()
	if p.ID == "" {
		p.ID = PaymentID(l.newID())
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = now
	}
	if p.PaidAt.After(now.Add(MaxPaidAtSkew)) {
		return p, invalid("paid_at", "is more than %s in the future", MaxPaidAtSkew)
	}
	p.PaidAt = p.PaidAt.UTC()
	p.CreatedAt = now
	p.CoversUntil = utcPtr(p.CoversUntil)
	return p, nil
}

// =============================================================================
// STATUS GUARD
// =============================================================================

// UpdateSubscription applies a guarded status and/or end-date change.
func (l *Ledger) UpdateSubscription(ctx context.Context, id UserID, upd SubscriptionUpdate) (*Subscriber, error) {
	if upd.Status == nil && upd.EndsAt == nil && !upd.ClearEndsAt {
		return nil, invalid("update", "nothing to change")
	}
	if upd.EndsAt != nil && upd.ClearEndsAt {
		return nil, invalid("subscription_ends_at", "cannot both set and clear")
	}
	if upd.Status != nil && !upd.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *upd.Status)
	}
	upd.EndsAt = utcPtr(upd.EndsAt)

	var updated *Subscriber
	err := l.store.WithTx(ctx, func(tx Tx) error {
		current, err := tx.GetSubscriber(ctx, id)
		if err != nil {
			return err
		}
		if upd.Status != nil {
			if err := CheckTransition(current.Status, *upd.Status); err != nil {
				var te *TransitionError
				if errors.As(err, &te) {
					te.UserID = id
				}
				return err
			}
		}

		ok, err := tx.CompareAndSetSubscription(ctx, id, current.Status, upd, l.clock())
		if err != nil {
			return err
		}
		if !ok {
			return ErrConcurrentModification
		}

		updated, err = tx.GetSubscriber(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			l.logger.Info("status transition rejected", zap.String("user_id", string(id)), zap.Error(err))
		}
		return nil, fmt.Errorf("update subscription %s: %w", id, err)
	}
	return updated, nil
}

// =============================================================================
// EXPIRY SWEEPER
// =============================================================================

// SweepExpired expires every active subscription whose end date has passed.
// Safe to run repeatedly and concurrently.
func (l *Ledger) SweepExpired(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := l.store.ExpireSubscriptions(ctx, l.clock())
	l.observer.SweepCompleted(n, time.Since(start), err)
	if err != nil {
		l.logger.Error("expiry sweep failed", zap.Error(err))
		return 0, fmt.Errorf("sweep expired subscriptions: %w", err)
	}
	l.logger.Info("expiry sweep completed", zap.Int64("expired", n))
	return n, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", invalid("email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", invalid("email", "%q is not a valid address", raw)
	}
	return email, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
