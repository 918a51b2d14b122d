/*
Package crmtest is a conformance suite for crm.Store implementations.

Every store (memory, SQLite, PostgreSQL) runs the same scenarios through a
crm.Ledger, so the ledger invariants are checked against each backend's own
transaction and locking behaviour rather than against a mock.

USAGE:
  func TestConformance(t *testing.T) {
      crmtest.Run(t, func(t *testing.T) crm.Store {
          s, err := sqlite.New(":memory:")
          require.NoError(t, err)
          return s
      })
  }
*/
package crmtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/partner-crm/crm"
	"golang.org/x/sync/errgroup"
)

// Now is the fixed ledger clock used by every scenario.
var Now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Factory opens an empty store. Run closes it when the test ends.
type Factory func(t *testing.T) crm.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, f *fixture)
	}{
		{"AtMostOnceConversion", testAtMostOnceConversion},
		{"ConcurrentFirstPayments", testConcurrentFirstPayments},
		{"CommissionAdditivity", testCommissionAdditivity},
		{"NoRegression", testNoRegression},
		{"StoreRejectsRegression", testStoreRejectsRegression},
		{"IdempotentSweep", testIdempotentSweep},
		{"EnrollmentCounting", testEnrollmentCounting},
		{"DuplicatePaymentReference", testDuplicatePaymentReference},
		{"RenewalDoesNotCredit", testRenewalDoesNotCredit},
		{"RenewalReactivatesExpired", testRenewalReactivatesExpired},
		{"PaymentTimestamps", testPaymentTimestamps},
		{"InactivePartner", testInactivePartner},
		{"UnknownReferences", testUnknownReferences},
		{"DuplicateEmails", testDuplicateEmails},
		{"TieredRate", testTieredRate},
		{"PartnerStats", testPartnerStats},
		{"Reset", testReset},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { store.Close() })
			tc.fn(t, newFixture(t, store))
		})
	}
}

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  crm.Store
	ledger *crm.Ledger
}

func newFixture(t *testing.T, store crm.Store) *fixture {
	return &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		ledger: crm.NewLedger(store, crm.WithClock(func() time.Time { return Now })),
	}
}

func (f *fixture) partner(id string, percent int) *crm.Partner {
	f.t.Helper()
	p, err := f.ledger.CreatePartner(f.ctx, crm.Partner{
		ID:                crm.PartnerID(id),
		Email:             id + "@partners.example.com",
		Name:              "Partner " + id,
		CommissionPercent: percent,
	})
	require.NoError(f.t, err)
	return p
}

func (f *fixture) enroll(id string, partnerID *crm.PartnerID) *crm.Subscriber {
	f.t.Helper()
	s, err := f.ledger.Enroll(f.ctx, crm.Subscriber{
		ID:        crm.UserID(id),
		Email:     id + "@example.com",
		PartnerID: partnerID,
		Region:    crm.RegionUS,
	})
	require.NoError(f.t, err)
	return s
}

func (f *fixture) pay(userID crm.UserID, ref, amount string) *crm.PaymentResult {
	f.t.Helper()
	res, err := f.ledger.RecordPayment(f.ctx, crm.Payment{
		ExternalRef: ref,
		UserID:      userID,
		Amount:      money(amount),
		Currency:    "usd",
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) setStatus(id crm.UserID, status crm.Status) (*crm.Subscriber, error) {
	return f.ledger.UpdateSubscription(f.ctx, id, crm.SubscriptionUpdate{Status: &status})
}

func (f *fixture) getPartner(id crm.PartnerID) *crm.Partner {
	f.t.Helper()
	p, err := f.store.GetPartner(f.ctx, id)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) getSubscriber(id crm.UserID) *crm.Subscriber {
	f.t.Helper()
	s, err := f.store.GetSubscriber(f.ctx, id)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) assertAudit(id crm.PartnerID) {
	f.t.Helper()
	audit, err := f.store.AuditPartner(f.ctx, id)
	require.NoError(f.t, err)
	assert.True(f.t, audit.Consistent(),
		"aggregate %s/%d != journal %s/%d",
		audit.TotalRevenue, audit.TotalConverted, audit.JournalRevenue, audit.JournalConverted)
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertMoney(t *testing.T, want, got decimal.Decimal) {
	t.Helper()
	assert.True(t, want.Equal(got), "expected %s, got %s", want.StringFixed(2), got.StringFixed(2))
}

func ptr[T any](v T) *T {
	return &v
}

// =============================================================================
// CONVERSION
// =============================================================================

func testAtMostOnceConversion(t *testing.T, f *fixture) {
	// GIVEN: a referred user who has never paid
	p := f.partner("p-1", 10)
	u := f.enroll("u-1", &p.ID)

	// WHEN: several payments for that user are recorded concurrently
	const n = 8
	results := make([]*crm.PaymentResult, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			res, err := f.ledger.RecordPayment(f.ctx, crm.Payment{
				ExternalRef: fmt.Sprintf("ch_%d", i),
				UserID:      u.ID,
				Amount:      money("20.00").Add(decimal.NewFromInt(int64(i))),
				Currency:    "USD",
			})
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	// THEN: every payment is stored, exactly one converted the user
	var winner *crm.PaymentResult
	converted := 0
	for _, res := range results {
		require.NotNil(t, res)
		assert.False(t, res.Duplicate)
		if res.Converted {
			converted++
			winner = res
		} else {
			assert.True(t, res.Commission.IsZero())
		}
	}
	require.Equal(t, 1, converted)

	partner := f.getPartner(p.ID)
	assert.EqualValues(t, 1, partner.TotalConverted)
	assertMoney(t, crm.ComputeCommission(winner.Payment.Amount, decimal.NewFromInt(10)), partner.TotalRevenue)
	assertMoney(t, winner.Commission, partner.TotalRevenue)

	sub := f.getSubscriber(u.ID)
	require.NotNil(t, sub.ConvertedAt)
	assert.True(t, sub.ConvertedAt.Equal(winner.Payment.PaidAt))
	assert.Equal(t, crm.StatusActive, sub.Status)

	payments, err := f.store.ListPayments(f.ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, payments, n)
	f.assertAudit(p.ID)
}

func testConcurrentFirstPayments(t *testing.T, f *fixture) {
	// GIVEN: partner at 10% with zero aggregates, one unconverted referral
	p := f.partner("p-1", 10)
	u := f.enroll("u-1", &p.ID)

	// WHEN: payments of 100 and 50 race
	amounts := []string{"100.00", "50.00"}
	results := make([]*crm.PaymentResult, len(amounts))
	var g errgroup.Group
	for i, amount := range amounts {
		i, amount := i, amount
		g.Go(func() error {
			res, err := f.ledger.RecordPayment(f.ctx, crm.Payment{
				ExternalRef: "ch_" + amount,
				UserID:      u.ID,
				Amount:      money(amount),
				Currency:    "USD",
			})
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	// THEN: one conversion, revenue is 10% of whichever payment won
	assert.NotEqual(t, results[0].Converted, results[1].Converted)
	partner := f.getPartner(p.ID)
	assert.EqualValues(t, 1, partner.TotalConverted)
	assert.True(t,
		partner.TotalRevenue.Equal(money("10.00")) || partner.TotalRevenue.Equal(money("5.00")),
		"total_revenue %s is not the commission of a single payment", partner.TotalRevenue)
	for _, res := range results {
		if res.Converted {
			assertMoney(t, res.Commission, partner.TotalRevenue)
		}
	}
	assert.NotNil(t, f.getSubscriber(u.ID).ConvertedAt)
	f.assertAudit(p.ID)
}

func testCommissionAdditivity(t *testing.T, f *fixture) {
	// GIVEN: a 7% partner with a dozen referred users
	p := f.partner("p-1", 7)
	amounts := []string{
		"19.99", "0.05", "133.33", "49.50", "1.07", "999.99",
		"12.34", "0.14", "250.00", "3.33", "77.77", "10.01",
	}
	expected := decimal.Zero
	for i, amount := range amounts {
		f.enroll(fmt.Sprintf("u-%d", i), &p.ID)
		expected = expected.Add(crm.ComputeCommission(money(amount), decimal.NewFromInt(7)))
	}

	// WHEN: each user pays twice, all interleaved
	var g errgroup.Group
	for i, amount := range amounts {
		i, amount := i, amount
		for attempt := 0; attempt < 2; attempt++ {
			attempt := attempt
			g.Go(func() error {
				_, err := f.ledger.RecordPayment(f.ctx, crm.Payment{
					ExternalRef: fmt.Sprintf("ch_%d_%d", i, attempt),
					UserID:      crm.UserID(fmt.Sprintf("u-%d", i)),
					Amount:      money(amount),
					Currency:    "EUR",
				})
				return err
			})
		}
	}
	require.NoError(t, g.Wait())

	// THEN: revenue is the exact sum of one commission per user
	partner := f.getPartner(p.ID)
	assertMoney(t, expected, partner.TotalRevenue)
	assert.EqualValues(t, len(amounts), partner.TotalConverted)
	f.assertAudit(p.ID)
}

// =============================================================================
// STATUS GUARD
// =============================================================================

func testNoRegression(t *testing.T, f *fixture) {
	u := f.enroll("u-1", nil)

	// added -> active
	sub, err := f.setStatus(u.ID, crm.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, crm.StatusActive, sub.Status)

	// active -> added is rejected
	_, err = f.setStatus(u.ID, crm.StatusAdded)
	require.Error(t, err)
	assert.ErrorIs(t, err, crm.ErrIllegalTransition)
	var te *crm.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, u.ID, te.UserID)
	assert.Equal(t, crm.StatusActive, te.From)
	assert.Equal(t, crm.StatusAdded, te.To)
	assert.Equal(t, crm.StatusActive, f.getSubscriber(u.ID).Status)

	// active -> expired
	_, err = f.setStatus(u.ID, crm.StatusExpired)
	require.NoError(t, err)

	// expired -> added is rejected
	_, err = f.setStatus(u.ID, crm.StatusAdded)
	assert.ErrorIs(t, err, crm.ErrIllegalTransition)
	assert.Equal(t, crm.StatusExpired, f.getSubscriber(u.ID).Status)

	// added -> expired
	other := f.enroll("u-2", nil)
	_, err = f.setStatus(other.ID, crm.StatusExpired)
	require.NoError(t, err)

	_, err = f.setStatus(other.ID, crm.Status("paused"))
	assert.ErrorIs(t, err, crm.ErrInvalidStatus)

	_, err = f.setStatus("missing", crm.StatusActive)
	assert.ErrorIs(t, err, crm.ErrUserNotFound)

	// end date alone
	ends := Now.Add(30 * 24 * time.Hour)
	sub, err = f.ledger.UpdateSubscription(f.ctx, other.ID, crm.SubscriptionUpdate{EndsAt: &ends})
	require.NoError(t, err)
	require.NotNil(t, sub.SubscriptionEndsAt)
	assert.True(t, sub.SubscriptionEndsAt.Equal(ends))

	sub, err = f.ledger.UpdateSubscription(f.ctx, other.ID, crm.SubscriptionUpdate{ClearEndsAt: true})
	require.NoError(t, err)
	assert.Nil(t, sub.SubscriptionEndsAt)
}

func testStoreRejectsRegression(t *testing.T, f *fixture) {
	// GIVEN: an active user
	u := f.enroll("u-1", nil)
	_, err := f.setStatus(u.ID, crm.StatusActive)
	require.NoError(t, err)

	// WHEN: a caller bypasses the ledger and writes the store directly
	err = f.store.WithTx(f.ctx, func(tx crm.Tx) error {
		_, err := tx.CompareAndSetSubscription(f.ctx, u.ID, crm.StatusActive,
			crm.SubscriptionUpdate{Status: ptr(crm.StatusAdded)}, Now)
		return err
	})

	// THEN: the store itself refuses the regression
	assert.ErrorIs(t, err, crm.ErrIllegalTransition)
	assert.Equal(t, crm.StatusActive, f.getSubscriber(u.ID).Status)

	// AND: a stale expectation does not match
	var ok bool
	err = f.store.WithTx(f.ctx, func(tx crm.Tx) error {
		var err error
		ok, err = tx.CompareAndSetSubscription(f.ctx, u.ID, crm.StatusAdded,
			crm.SubscriptionUpdate{Status: ptr(crm.StatusExpired)}, Now)
		return err
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, crm.StatusActive, f.getSubscriber(u.ID).Status)
}

// =============================================================================
// EXPIRY SWEEPER
// =============================================================================

func testIdempotentSweep(t *testing.T, f *fixture) {
	// GIVEN: a mix of due, not-due and non-active subscriptions
	type row struct {
		id     string
		status crm.Status
		endsAt *time.Time
		want   crm.Status
	}
	rows := []row{
		{"long-overdue", crm.StatusActive, ptr(Now.Add(-48 * time.Hour)), crm.StatusExpired},
		{"just-overdue", crm.StatusActive, ptr(Now.Add(-time.Minute)), crm.StatusExpired},
		{"not-due", crm.StatusActive, ptr(Now.Add(24 * time.Hour)), crm.StatusActive},
		{"no-end-date", crm.StatusActive, nil, crm.StatusActive},
		{"never-paid", crm.StatusAdded, ptr(Now.Add(-time.Hour)), crm.StatusAdded},
		{"already-expired", crm.StatusExpired, ptr(Now.Add(-time.Hour)), crm.StatusExpired},
	}
	for _, r := range rows {
		_, err := f.ledger.Enroll(f.ctx, crm.Subscriber{
			ID:                 crm.UserID(r.id),
			Email:              r.id + "@example.com",
			SubscriptionEndsAt: r.endsAt,
		})
		require.NoError(t, err)
		if r.status != crm.StatusAdded {
			_, err = f.setStatus(crm.UserID(r.id), r.status)
			require.NoError(t, err)
		}
	}

	// WHEN: two sweeps run concurrently
	counts := make([]int64, 2)
	var g errgroup.Group
	for i := range counts {
		i := i
		g.Go(func() error {
			n, err := f.ledger.SweepExpired(f.ctx)
			counts[i] = n
			return err
		})
	}
	require.NoError(t, g.Wait())

	// THEN: each due row was expired exactly once
	assert.EqualValues(t, 2, counts[0]+counts[1])
	for _, r := range rows {
		assert.Equal(t, r.want, f.getSubscriber(crm.UserID(r.id)).Status, r.id)
	}

	// AND: another sweep changes nothing
	n, err := f.ledger.SweepExpired(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	all, err := f.store.StatusCounts(f.ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, all[crm.StatusAdded])
	assert.EqualValues(t, 2, all[crm.StatusActive])
	assert.EqualValues(t, 3, all[crm.StatusExpired])
}

// =============================================================================
// ENROLLMENT COUNTER
// =============================================================================

func testEnrollmentCounting(t *testing.T, f *fixture) {
	// GIVEN: two partners
	p := f.partner("p-1", 10)
	q := f.partner("p-2", 20)

	// WHEN: N referred and M unreferred users enroll concurrently
	const n, m = 10, 6
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			_, err := f.ledger.Enroll(f.ctx, crm.Subscriber{
				Email:     fmt.Sprintf("referred-%d@example.com", i),
				PartnerID: &p.ID,
			})
			return err
		})
	}
	for i := 0; i < m; i++ {
		i := i
		g.Go(func() error {
			_, err := f.ledger.Enroll(f.ctx, crm.Subscriber{
				Email: fmt.Sprintf("organic-%d@example.com", i),
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	// THEN: only P's total_added moved, by exactly N
	assert.EqualValues(t, n, f.getPartner(p.ID).TotalAdded)
	other := f.getPartner(q.ID)
	assert.Zero(t, other.TotalAdded)
	assert.Zero(t, other.TotalConverted)
	assert.True(t, other.TotalRevenue.IsZero())

	referred, err := f.store.StatusCounts(f.ctx, &p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, n, referred[crm.StatusAdded])

	all, err := f.store.StatusCounts(f.ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, n+m, all.Total())

	subs, err := f.store.ListSubscribers(f.ctx, &p.ID)
	require.NoError(t, err)
	assert.Len(t, subs, n)
	for _, s := range subs {
		assert.Equal(t, crm.RegionRestOfWorld, s.Region)
		assert.Equal(t, crm.StatusAdded, s.Status)
	}
}

// =============================================================================
// IDEMPOTENCY AND RENEWALS
// =============================================================================

func testDuplicatePaymentReference(t *testing.T, f *fixture) {
	p := f.partner("p-1", 10)
	u := f.enroll("u-1", &p.ID)

	// WHEN: the processor delivers the same charge several times at once
	const deliveries = 5
	results := make([]*crm.PaymentResult, deliveries)
	var g errgroup.Group
	for i := 0; i < deliveries; i++ {
		i := i
		g.Go(func() error {
			res, err := f.ledger.RecordPayment(f.ctx, crm.Payment{
				ExternalRef: "ch_same",
				UserID:      u.ID,
				Amount:      money("80.00"),
				Currency:    "USD",
			})
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	// THEN: one is recorded, the rest are successful no-ops
	recorded := 0
	for _, res := range results {
		if !res.Duplicate {
			recorded++
			assert.True(t, res.Converted)
		} else {
			assert.False(t, res.Converted)
		}
	}
	assert.Equal(t, 1, recorded)

	payments, err := f.store.ListPayments(f.ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	partner := f.getPartner(p.ID)
	assertMoney(t, money("8.00"), partner.TotalRevenue)
	assert.EqualValues(t, 1, partner.TotalConverted)

	// AND: a later redelivery is still a no-op
	res := f.pay(u.ID, "ch_same", "80.00")
	assert.True(t, res.Duplicate)
	assertMoney(t, money("8.00"), f.getPartner(p.ID).TotalRevenue)
}

func testRenewalDoesNotCredit(t *testing.T, f *fixture) {
	p := f.partner("p-1", 10)
	u := f.enroll("u-1", &p.ID)

	first := f.pay(u.ID, "ch_1", "30.00")
	require.True(t, first.Converted)
	require.NotNil(t, first.PartnerID)
	assert.Equal(t, p.ID, *first.PartnerID)
	assertMoney(t, money("3.00"), first.Commission)
	assert.True(t, first.Rate.Equal(decimal.NewFromInt(10)))

	// WHEN: a renewal covering the next period arrives
	coversUntil := Now.Add(30 * 24 * time.Hour)
	renewal, err := f.ledger.RecordPayment(f.ctx, crm.Payment{
		ExternalRef: "ch_2",
		UserID:      u.ID,
		Amount:      money("30.00"),
		Currency:    "USD",
		CoversUntil: &coversUntil,
	})
	require.NoError(t, err)

	// THEN: it is stored, extends the period, credits nothing
	assert.False(t, renewal.Converted)
	assert.False(t, renewal.Duplicate)
	assert.True(t, renewal.Commission.IsZero())

	partner := f.getPartner(p.ID)
	assertMoney(t, money("3.00"), partner.TotalRevenue)
	assert.EqualValues(t, 1, partner.TotalConverted)
	assert.EqualValues(t, 1, partner.TotalAdded)

	sub := f.getSubscriber(u.ID)
	require.NotNil(t, sub.SubscriptionEndsAt)
	assert.True(t, sub.SubscriptionEndsAt.Equal(coversUntil))

	// AND: an older coverage date never moves the end date backward
	earlier := Now.Add(7 * 24 * time.Hour)
	_, err = f.ledger.RecordPayment(f.ctx, crm.Payment{
		ExternalRef: "ch_3",
		UserID:      u.ID,
		Amount:      money("30.00"),
		Currency:    "USD",
		CoversUntil: &earlier,
	})
	require.NoError(t, err)
	assert.True(t, f.getSubscriber(u.ID).SubscriptionEndsAt.Equal(coversUntil))

	payments, err := f.store.ListPayments(f.ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 3)
	f.assertAudit(p.ID)
}

func (f *fixture) payCovering(userID crm.UserID, ref string, coversUntil time.Time) *crm.PaymentResult {
	f.t.Helper()
	res, err := f.ledger.RecordPayment(f.ctx, crm.Payment{
		ExternalRef: ref,
		UserID:      userID,
		Amount:      money("30.00"),
		Currency:    "USD",
		CoversUntil: &coversUntil,
	})
	require.NoError(f.t, err)
	return res
}

func testRenewalReactivatesExpired(t *testing.T, f *fixture) {
	// GIVEN: a converted user whose paid period lapsed and was swept
	p := f.partner("p-1", 10)
	u := f.enroll("u-1", &p.ID)
	require.True(t, f.payCovering(u.ID, "ch_1", Now.Add(-time.Hour)).Converted)

	swept, err := f.ledger.SweepExpired(f.ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, swept)
	require.Equal(t, crm.StatusExpired, f.getSubscriber(u.ID).Status)

	// WHEN: a renewal whose coverage has also lapsed arrives
	f.payCovering(u.ID, "ch_2", Now.Add(-time.Minute))

	// THEN: the subscription stays expired
	assert.Equal(t, crm.StatusExpired, f.getSubscriber(u.ID).Status)

	// WHEN: a renewal covering a future period arrives
	coversUntil := Now.Add(30 * 24 * time.Hour)
	renewal := f.payCovering(u.ID, "ch_3", coversUntil)

	// THEN: the subscription is active again, without a second credit
	assert.False(t, renewal.Converted)
	assert.True(t, renewal.Commission.IsZero())

	sub := f.getSubscriber(u.ID)
	assert.Equal(t, crm.StatusActive, sub.Status)
	require.NotNil(t, sub.SubscriptionEndsAt)
	assert.True(t, sub.SubscriptionEndsAt.Equal(coversUntil))
	assert.True(t, sub.UpdatedAt.Equal(Now))

	partner := f.getPartner(p.ID)
	assertMoney(t, money("3.00"), partner.TotalRevenue)
	assert.EqualValues(t, 1, partner.TotalConverted)
	f.assertAudit(p.ID)

	// AND: the next sweep leaves it alone
	swept, err = f.ledger.SweepExpired(f.ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, swept)
}

func testPaymentTimestamps(t *testing.T, f *fixture) {
	p := f.partner("p-1", 10)
	u := f.enroll("u-1", &p.ID)

	// GIVEN: a paid_at too far ahead of the ledger clock
	_, err := f.ledger.RecordPayment(f.ctx, crm.Payment{
		ExternalRef: "ch_future",
		UserID:      u.ID,
		Amount:      money("30.00"),
		Currency:    "USD",
		PaidAt:      Now.Add(time.Hour),
	})

	// THEN: it is rejected and the user is untouched
	assert.ErrorIs(t, err, crm.ErrInvalidInput)
	assert.Nil(t, f.getSubscriber(u.ID).ConvertedAt)

	// WHEN: the processor reports a charge from two hours ago
	paidAt := Now.Add(-2 * time.Hour)
	res, err := f.ledger.RecordPayment(f.ctx, crm.Payment{
		ExternalRef: "ch_1",
		UserID:      u.ID,
		Amount:      money("30.00"),
		Currency:    "USD",
		PaidAt:      paidAt,
	})
	require.NoError(t, err)
	require.True(t, res.Converted)

	// THEN: converted_at is the charge time, updated_at is the write time
	sub := f.getSubscriber(u.ID)
	require.NotNil(t, sub.ConvertedAt)
	assert.True(t, sub.ConvertedAt.Equal(paidAt))
	assert.True(t, sub.UpdatedAt.Equal(Now))

	// AND: a small clock skew is tolerated
	_, err = f.ledger.RecordPayment(f.ctx, crm.Payment{
		ExternalRef: "ch_2",
		UserID:      u.ID,
		Amount:      money("30.00"),
		Currency:    "USD",
		PaidAt:      Now.Add(time.Minute),
	})
	require.NoError(t, err)
}

// =============================================================================
// PARTNER LIFECYCLE AND VALIDATION
// =============================================================================

func testInactivePartner(t *testing.T, f *fixture) {
	p := f.partner("p-1", 10)
	existing := f.enroll("u-1", &p.ID)

	require.NoError(t, f.ledger.SetPartnerActive(f.ctx, p.ID, false))
	assert.False(t, f.getPartner(p.ID).Active)

	// new referrals are refused
	_, err := f.ledger.Enroll(f.ctx, crm.Subscriber{ID: "u-2", Email: "u-2@example.com", PartnerID: &p.ID})
	assert.ErrorIs(t, err, crm.ErrPartnerInactive)
	_, err = f.store.GetSubscriber(f.ctx, "u-2")
	assert.ErrorIs(t, err, crm.ErrUserNotFound)
	assert.EqualValues(t, 1, f.getPartner(p.ID).TotalAdded)

	// an existing referral still earns on conversion
	res := f.pay(existing.ID, "ch_1", "40.00")
	assert.True(t, res.Converted)
	assertMoney(t, money("4.00"), f.getPartner(p.ID).TotalRevenue)

	require.NoError(t, f.ledger.SetPartnerActive(f.ctx, p.ID, true))
	f.enroll("u-3", &p.ID)
	assert.EqualValues(t, 2, f.getPartner(p.ID).TotalAdded)

	assert.ErrorIs(t, f.ledger.SetPartnerActive(f.ctx, "missing", true), crm.ErrPartnerNotFound)
}

func testUnknownReferences(t *testing.T, f *fixture) {
	missing := crm.PartnerID("missing")
	_, err := f.ledger.Enroll(f.ctx, crm.Subscriber{ID: "u-1", Email: "u-1@example.com", PartnerID: &missing})
	assert.ErrorIs(t, err, crm.ErrPartnerNotFound)
	_, err = f.store.GetSubscriber(f.ctx, "u-1")
	assert.ErrorIs(t, err, crm.ErrUserNotFound)

	_, err = f.ledger.RecordPayment(f.ctx, crm.Payment{
		ExternalRef: "ch_1",
		UserID:      "nobody",
		Amount:      money("10.00"),
		Currency:    "USD",
	})
	assert.ErrorIs(t, err, crm.ErrUserNotFound)
	payments, err := f.store.ListPayments(f.ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, payments)

	// the reference was rolled back, so it can be used once the user exists
	u := f.enroll("nobody", nil)
	res := f.pay(u.ID, "ch_1", "10.00")
	assert.False(t, res.Duplicate)
	assert.True(t, res.Converted)
	assert.Nil(t, res.PartnerID)

	_, err = f.ledger.RecordPayment(f.ctx, crm.Payment{ExternalRef: "ch_2", UserID: u.ID, Amount: money("-1"), Currency: "USD"})
	assert.ErrorIs(t, err, crm.ErrInvalidInput)
	_, err = f.ledger.RecordPayment(f.ctx, crm.Payment{ExternalRef: "ch_2", UserID: u.ID, Amount: money("1.005"), Currency: "USD"})
	assert.ErrorIs(t, err, crm.ErrInvalidInput)
	_, err = f.ledger.RecordPayment(f.ctx, crm.Payment{ExternalRef: "ch_2", UserID: u.ID, Amount: money("1.00"), Currency: "dollars"})
	assert.ErrorIs(t, err, crm.ErrInvalidInput)

	_, err = f.ledger.CreatePartner(f.ctx, crm.Partner{Email: "greedy@example.com", Name: "Greedy", CommissionPercent: 51})
	assert.ErrorIs(t, err, crm.ErrInvalidInput)
}

func testDuplicateEmails(t *testing.T, f *fixture) {
	f.partner("p-1", 10)
	_, err := f.ledger.CreatePartner(f.ctx, crm.Partner{
		Email:             "P-1@Partners.Example.com",
		Name:              "Copycat",
		CommissionPercent: 5,
	})
	assert.ErrorIs(t, err, crm.ErrDuplicateEmail)

	_, err = f.ledger.CreatePartner(f.ctx, crm.Partner{
		ID:                "p-1",
		Email:             "fresh@partners.example.com",
		Name:              "Same id",
		CommissionPercent: 5,
	})
	assert.ErrorIs(t, err, crm.ErrDuplicateID)

	f.enroll("u-1", nil)
	_, err = f.ledger.Enroll(f.ctx, crm.Subscriber{Email: "U-1@example.com"})
	assert.ErrorIs(t, err, crm.ErrDuplicateEmail)

	partners, err := f.store.ListPartners(f.ctx)
	require.NoError(t, err)
	assert.Len(t, partners, 1)
}

func testTieredRate(t *testing.T, f *fixture) {
	// GIVEN: 5% base, 10% once the partner has earned 50.00
	ledger := crm.NewLedger(f.store,
		crm.WithClock(func() time.Time { return Now }),
		crm.WithRateResolver(crm.TieredRate{}))
	p, err := ledger.CreatePartner(f.ctx, crm.Partner{
		ID:                "p-1",
		Email:             "tiered@partners.example.com",
		Name:              "Tiered",
		CommissionPercent: 5,
		CommissionSlabs: []crm.CommissionSlab{
			{MinRevenue: money("50.00"), Percent: decimal.NewFromInt(10)},
			{MinRevenue: decimal.Zero, Percent: decimal.NewFromInt(5)},
		},
	})
	require.NoError(t, err)
	require.Len(t, p.CommissionSlabs, 2)
	assert.True(t, p.CommissionSlabs[0].MinRevenue.IsZero())

	stored := f.getPartner(p.ID)
	require.Len(t, stored.CommissionSlabs, 2)
	assert.True(t, stored.CommissionSlabs[1].MinRevenue.Equal(money("50.00")))

	u1 := f.enroll("u-1", &p.ID)
	u2 := f.enroll("u-2", &p.ID)

	// WHEN: the first conversion lifts revenue into the next slab
	first, err := ledger.RecordPayment(f.ctx, crm.Payment{ExternalRef: "ch_1", UserID: u1.ID, Amount: money("1000.00"), Currency: "USD"})
	require.NoError(t, err)
	second, err := ledger.RecordPayment(f.ctx, crm.Payment{ExternalRef: "ch_2", UserID: u2.ID, Amount: money("100.00"), Currency: "USD"})
	require.NoError(t, err)

	// THEN: each conversion is priced at the slab in force when it ran
	assertMoney(t, money("50.00"), first.Commission)
	assert.True(t, second.Rate.Equal(decimal.NewFromInt(10)))
	assertMoney(t, money("10.00"), second.Commission)
	assertMoney(t, money("60.00"), f.getPartner(p.ID).TotalRevenue)
	f.assertAudit(p.ID)
}

// =============================================================================
// REPORTING
// =============================================================================

func testPartnerStats(t *testing.T, f *fixture) {
	p := f.partner("p-1", 12)
	for i := 0; i < 4; i++ {
		f.enroll(fmt.Sprintf("u-%d", i), &p.ID)
	}
	f.pay("u-0", "ch_0", "25.00")
	f.pay("u-1", "ch_1", "75.00")
	_, err := f.setStatus("u-1", crm.StatusExpired)
	require.NoError(t, err)

	stats, err := f.ledger.PartnerStats(f.ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.Partner.TotalAdded)
	assert.EqualValues(t, 2, stats.Partner.TotalConverted)
	assertMoney(t, money("12.00"), stats.Partner.TotalRevenue)
	assert.EqualValues(t, 2, stats.Counts[crm.StatusAdded])
	assert.EqualValues(t, 1, stats.Counts[crm.StatusActive])
	assert.EqualValues(t, 1, stats.Counts[crm.StatusExpired])
	assert.InDelta(t, 0.5, stats.ConversionRate(), 1e-9)
	assert.True(t, stats.Audit.Consistent())

	// reads leave aggregates untouched
	again, err := f.ledger.PartnerStats(f.ctx, p.ID)
	require.NoError(t, err)
	assertMoney(t, stats.Partner.TotalRevenue, again.Partner.TotalRevenue)

	_, err = f.ledger.PartnerStats(f.ctx, "missing")
	assert.ErrorIs(t, err, crm.ErrPartnerNotFound)
}

func testReset(t *testing.T, f *fixture) {
	p := f.partner("p-1", 10)
	u := f.enroll("u-1", &p.ID)
	f.pay(u.ID, "ch_1", "10.00")

	require.NoError(t, f.store.Reset(f.ctx))

	partners, err := f.store.ListPartners(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, partners)
	subs, err := f.store.ListSubscribers(f.ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, subs)

	// references are free again
	p = f.partner("p-1", 10)
	u = f.enroll("u-1", &p.ID)
	res := f.pay(u.ID, "ch_1", "10.00")
	assert.False(t, res.Duplicate)
	assert.True(t, res.Converted)
}
