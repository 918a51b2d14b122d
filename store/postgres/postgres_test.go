package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/partner-crm/crm"
	"github.com/warp/partner-crm/crm/crmtest"
	"github.com/warp/partner-crm/store/postgres"
)

// newStore connects to PARTNER_CRM_TEST_DATABASE_URL and empties it.
// The database is shared, so tests in this package must not run in parallel.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("PARTNER_CRM_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PARTNER_CRM_TEST_DATABASE_URL not set")
	}
	s, err := postgres.New(context.Background(), url)
	require.NoError(t, err)
	require.NoError(t, s.Reset(context.Background()))
	return s
}

func TestPostgres_Conformance(t *testing.T) {
	crmtest.Run(t, func(t *testing.T) crm.Store {
		return newStore(t)
	})
}

func TestPostgres_Trigger_RejectsStatusRegression(t *testing.T) {
	// GIVEN: a converted user
	s := newStore(t)
	defer s.Close()
	ctx := context.Background()
	ledger := crm.NewLedger(s)
	p, err := ledger.CreatePartner(ctx, crm.Partner{ID: "p-1", Email: "p@example.com", Name: "P", CommissionPercent: 10})
	require.NoError(t, err)
	u, err := ledger.Enroll(ctx, crm.Subscriber{ID: "u-1", Email: "u@example.com", PartnerID: &p.ID})
	require.NoError(t, err)
	_, err = ledger.RecordPayment(ctx, crm.Payment{ExternalRef: "ch_1", UserID: u.ID, Amount: decimal.NewFromInt(20), Currency: "USD"})
	require.NoError(t, err)

	// WHEN/THEN: raw SQL cannot regress status, clear conversion, or lower totals
	for stmt, msg := range map[string]string{
		`UPDATE user_subscriptions SET subscription_status = 'added' WHERE id = 'u-1'`: "illegal subscription status transition",
		`UPDATE user_subscriptions SET converted_at = NULL WHERE id = 'u-1'`:           "converted_at is immutable",
		`UPDATE partners SET total_revenue = 0 WHERE id = 'p-1'`:                       "partner aggregates are monotonic",
		`UPDATE payments SET amount = 1`:                                               "append-only",
	} {
		_, err := s.Pool().Exec(ctx, stmt)
		require.Error(t, err, stmt)
		assert.Contains(t, err.Error(), msg)
	}

	got, err := s.GetPartner(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "2.00", got.TotalRevenue.StringFixed(2))
}
