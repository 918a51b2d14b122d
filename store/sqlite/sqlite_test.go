package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/partner-crm/crm"
	"github.com/warp/partner-crm/crm/crmtest"
	"github.com/warp/partner-crm/store/sqlite"
)

func TestSQLite_Conformance_InMemory(t *testing.T) {
	crmtest.Run(t, func(t *testing.T) crm.Store {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		return s
	})
}

// A file database gives every unit of work its own connection, so the
// concurrent scenarios exercise BEGIN IMMEDIATE locking for real.
func TestSQLite_Conformance_File(t *testing.T) {
	crmtest.Run(t, func(t *testing.T) crm.Store {
		s, err := sqlite.New(filepath.Join(t.TempDir(), "crm.db"))
		require.NoError(t, err)
		return s
	})
}

// =============================================================================
// SCHEMA GUARDS
// =============================================================================

type seeded struct {
	store   *sqlite.Store
	ledger  *crm.Ledger
	partner *crm.Partner
	user    *crm.Subscriber
}

// seed creates a partner and a referred user who has converted.
func seed(t *testing.T) seeded {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ledger := crm.NewLedger(s, crm.WithClock(func() time.Time { return crmtest.Now }))
	p, err := ledger.CreatePartner(ctx, crm.Partner{ID: "p-1", Email: "p@example.com", Name: "P", CommissionPercent: 10})
	require.NoError(t, err)
	u, err := ledger.Enroll(ctx, crm.Subscriber{ID: "u-1", Email: "u@example.com", PartnerID: &p.ID})
	require.NoError(t, err)
	_, err = ledger.RecordPayment(ctx, crm.Payment{ExternalRef: "ch_1", UserID: u.ID, Amount: decimal.RequireFromString("25.00"), Currency: "USD"})
	require.NoError(t, err)

	return seeded{store: s, ledger: ledger, partner: p, user: u}
}

func TestSQLite_Trigger_RejectsStatusRegression(t *testing.T) {
	// GIVEN: a converted (active) user
	f := seed(t)

	// WHEN: raw SQL tries to move the user back to added
	_, err := f.store.DB().Exec(`UPDATE user_subscriptions SET subscription_status = 'added' WHERE id = 'u-1'`)

	// THEN: the schema rejects it
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal subscription status transition")

	// AND: forward moves are still allowed
	_, err = f.store.DB().Exec(`UPDATE user_subscriptions SET subscription_status = 'expired' WHERE id = 'u-1'`)
	assert.NoError(t, err)
}

func TestSQLite_Trigger_ConvertedAtImmutable(t *testing.T) {
	f := seed(t)

	_, err := f.store.DB().Exec(`UPDATE user_subscriptions SET converted_at = NULL WHERE id = 'u-1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "converted_at is immutable")

	sub, err := f.store.GetSubscriber(context.Background(), "u-1")
	require.NoError(t, err)
	assert.NotNil(t, sub.ConvertedAt)
}

func TestSQLite_Trigger_AggregatesNeverDecrease(t *testing.T) {
	f := seed(t)

	for _, stmt := range []string{
		`UPDATE partners SET total_revenue_minor = 0 WHERE id = 'p-1'`,
		`UPDATE partners SET total_converted = total_converted - 1 WHERE id = 'p-1'`,
		`UPDATE partners SET total_added = 0 WHERE id = 'p-1'`,
	} {
		_, err := f.store.DB().Exec(stmt)
		require.Error(t, err, stmt)
		assert.Contains(t, err.Error(), "partner aggregates are monotonic")
	}

	p, err := f.store.GetPartner(context.Background(), "p-1")
	require.NoError(t, err)
	assert.True(t, p.TotalRevenue.Equal(decimal.RequireFromString("2.50")))
	assert.EqualValues(t, 1, p.TotalConverted)
	assert.EqualValues(t, 1, p.TotalAdded)
}

func TestSQLite_Trigger_PaymentsAppendOnly(t *testing.T) {
	f := seed(t)

	_, err := f.store.DB().Exec(`UPDATE payments SET amount_minor = 1 WHERE external_ref = 'ch_1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = f.store.DB().Exec(`UPDATE commissions SET amount_minor = 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestSQLite_Constraint_OneCommissionPerUser(t *testing.T) {
	// GIVEN: a user whose conversion is already journaled
	f := seed(t)
	ctx := context.Background()

	payments, err := f.store.ListPayments(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)

	// WHEN: a second journal entry is appended for the same user
	err = f.store.WithTx(ctx, func(tx crm.Tx) error {
		return tx.AppendCommission(ctx, crm.CommissionEntry{
			ID:            "c-2",
			PartnerID:     "p-1",
			UserID:        "u-1",
			PaymentID:     payments[0].ID,
			PaymentAmount: decimal.NewFromInt(1),
			Rate:          decimal.NewFromInt(10),
			Amount:        decimal.RequireFromString("0.10"),
			CreatedAt:     crmtest.Now,
		})
	})

	// THEN: it is reported as a consistency violation
	assert.ErrorIs(t, err, crm.ErrConsistencyViolation)
}

func TestSQLite_Constraint_NegativeAmountRejected(t *testing.T) {
	f := seed(t)
	ctx := context.Background()

	err := f.store.WithTx(ctx, func(tx crm.Tx) error {
		return tx.InsertPayment(ctx, crm.Payment{
			ID:          "pay-neg",
			ExternalRef: "ch_neg",
			UserID:      "u-1",
			Amount:      decimal.NewFromInt(-5),
			Currency:    "USD",
			PaidAt:      crmtest.Now,
			CreatedAt:   crmtest.Now,
		})
	})
	assert.ErrorIs(t, err, crm.ErrInvalidInput)
}

// =============================================================================
// STORAGE DETAILS
// =============================================================================

func TestSQLite_MigrateTwice(t *testing.T) {
	// GIVEN: a file database with data
	path := filepath.Join(t.TempDir(), "crm.db")
	s, err := sqlite.New(path)
	require.NoError(t, err)
	ledger := crm.NewLedger(s)
	_, err = ledger.CreatePartner(context.Background(), crm.Partner{ID: "p-1", Email: "p@example.com", Name: "P", CommissionPercent: 5})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// WHEN: it is reopened
	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()

	// THEN: the schema migration is a no-op and data survives
	p, err := s.GetPartner(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, 5, p.CommissionPercent)
}

func TestSQLite_MoneyIsExact(t *testing.T) {
	// GIVEN: a 10% partner and amounts that are inexact in binary floating point
	ctx := context.Background()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ledger := crm.NewLedger(s)
	p, err := ledger.CreatePartner(ctx, crm.Partner{ID: "p-1", Email: "p@example.com", Name: "P", CommissionPercent: 10})
	require.NoError(t, err)

	// WHEN: three users convert with 1.10, 2.20 and 0.70
	for i, amount := range []string{"1.10", "2.20", "0.70"} {
		u, err := ledger.Enroll(ctx, crm.Subscriber{Email: string(rune('a'+i)) + "@example.com", PartnerID: &p.ID})
		require.NoError(t, err)
		_, err = ledger.RecordPayment(ctx, crm.Payment{ExternalRef: "ch_" + amount, UserID: u.ID, Amount: decimal.RequireFromString(amount), Currency: "USD"})
		require.NoError(t, err)
	}

	// THEN: 0.11 + 0.22 + 0.07 is exactly 0.40
	got, err := s.GetPartner(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.40", got.TotalRevenue.StringFixed(2))
	assert.True(t, got.TotalRevenue.Equal(decimal.RequireFromString("0.40")))

	payments, err := s.ListPayments(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestSQLite_TimesRoundTripInUTC(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ist := time.FixedZone("IST", 5*3600+1800)
	ends := time.Date(2025, 4, 1, 9, 30, 0, 123456789, ist)
	ledger := crm.NewLedger(s)
	u, err := ledger.Enroll(ctx, crm.Subscriber{Email: "tz@example.com", Region: crm.RegionIndia, SubscriptionEndsAt: &ends})
	require.NoError(t, err)

	got, err := s.GetSubscriber(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SubscriptionEndsAt)
	assert.True(t, got.SubscriptionEndsAt.Equal(ends))
	assert.Equal(t, time.UTC, got.SubscriptionEndsAt.Location())
	assert.Equal(t, crm.RegionIndia, got.Region)
}
