/*
scenarios_test.go - Tests for demo scenario loaders

Every scenario is loaded through the ledger, so these tests double as an
end-to-end check that aggregates match the commission journal.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/partner-crm/crm"
	"github.com/warp/partner-crm/crm/store"
)

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newScenarioHandler(t *testing.T, opts ...crm.Option) *Handler {
	t.Helper()
	return NewHandler(crm.NewLedger(store.NewMemory(), opts...), nil)
}

func partnerTotals(t *testing.T, h *Handler, id crm.PartnerID) *crm.PartnerStats {
	t.Helper()
	stats, err := h.Ledger.PartnerStats(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, stats.Audit.Consistent(), "aggregates drifted for %s", id)
	return stats
}

func TestScenario_AffiliateNetwork(t *testing.T) {
	h := newScenarioHandler(t)
	require.NoError(t, h.LoadScenarioByID(context.Background(), "affiliate-network"))

	blog := partnerTotals(t, h, "aff-blog")
	assert.Equal(t, "4.90", blog.Partner.TotalRevenue.StringFixed(2))
	assert.EqualValues(t, 2, blog.Partner.TotalAdded)
	assert.EqualValues(t, 1, blog.Partner.TotalConverted)

	tube := partnerTotals(t, h, "aff-tube")
	assert.Equal(t, "19.80", tube.Partner.TotalRevenue.StringFixed(2))
	assert.EqualValues(t, 1, tube.Counts[crm.StatusActive])
	assert.EqualValues(t, 1, tube.Counts[crm.StatusAdded])

	counts, err := h.Ledger.Store().StatusCounts(context.Background(), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, counts[crm.StatusActive])
	assert.EqualValues(t, 2, counts[crm.StatusAdded])
}

func TestScenario_AgencyTiers(t *testing.T) {
	t.Run("flat", func(t *testing.T) {
		h := newScenarioHandler(t)
		require.NoError(t, h.LoadScenarioByID(context.Background(), "agency-tiers"))

		agency := partnerTotals(t, h, "agency-nomad")
		assert.Equal(t, "72.00", agency.Partner.TotalRevenue.StringFixed(2))
		assert.EqualValues(t, 6, agency.Partner.TotalAdded)
		assert.EqualValues(t, 4, agency.Partner.TotalConverted)
		require.Len(t, agency.Partner.CommissionSlabs, 2)
	})

	t.Run("tiered", func(t *testing.T) {
		// 18 + 18 + 18 at 15%, then 30 at 25% once revenue passed 50
		h := newScenarioHandler(t, crm.WithRateResolver(crm.TieredRate{}))
		require.NoError(t, h.LoadScenarioByID(context.Background(), "agency-tiers"))

		agency := partnerTotals(t, h, "agency-nomad")
		assert.Equal(t, "84.00", agency.Partner.TotalRevenue.StringFixed(2))
	})
}

func TestScenario_ExpiringTrials(t *testing.T) {
	// GIVEN: the expiring scenario
	ctx := context.Background()
	h := newScenarioHandler(t)
	require.NoError(t, h.LoadScenarioByID(ctx, "expiring-trials"))

	// WHEN: the sweeper runs
	n, err := h.Ledger.SweepExpired(ctx)

	// THEN: only the two lapsed paid users expire
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	for id, want := range map[crm.UserID]crm.Status{
		"u-lapsed-1": crm.StatusExpired,
		"u-lapsed-2": crm.StatusExpired,
		"u-renewed":  crm.StatusActive,
		"u-trial":    crm.StatusAdded,
	} {
		sub, err := h.Ledger.Store().GetSubscriber(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, sub.Status, id)
	}
}

func TestScenario_ReloadResetsState(t *testing.T) {
	// GIVEN: one scenario loaded over HTTP
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/scenarios/load", f.admin, map[string]any{"scenario_id": "affiliate-network"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: another scenario is loaded on top
	rec = f.do(http.MethodPost, "/api/scenarios/load", f.admin, map[string]any{"scenario_id": "agency-tiers"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: only the second scenario's partners exist
	partners := decode[[]PartnerDTO](t, f.do(http.MethodGet, "/api/partners", f.admin, nil))
	ids := make([]string, len(partners))
	for i, p := range partners {
		ids[i] = p.ID
	}
	assert.ElementsMatch(t, []string{"agency-nomad", "aff-newsletter"}, ids)

	current := decode[ScenarioDTO](t, f.do(http.MethodGet, "/api/scenarios/current", f.admin, nil))
	assert.Equal(t, "agency-tiers", current.ID)

	// AND: reset empties everything, unknown scenarios are rejected
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/scenarios/reset", f.admin, nil).Code)
	assert.Empty(t, decode[[]PartnerDTO](t, f.do(http.MethodGet, "/api/partners", f.admin, nil)))
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/scenarios/load", f.admin, map[string]any{"scenario_id": "nope"}).Code)
	assert.Len(t, decode[[]ScenarioDTO](t, f.do(http.MethodGet, "/api/scenarios", f.admin, nil)), len(scenarios))
}
