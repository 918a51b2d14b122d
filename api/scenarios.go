/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with a realistic
	referral network. Every row is written through crm.Ledger, so partner
	aggregates are produced by the same units of work as production traffic.

AVAILABLE SCENARIOS:

	affiliate-network: two flat-rate affiliates, organic users, mixed conversions
	agency-tiers:      an agency with a tiered commission schedule
	expiring-trials:   paid users past their end date, ready for the sweeper

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create partners from factory presets
 3. Enroll users, referred or organic
 4. Record payments, including a duplicate webhook delivery

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "affiliate-network"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' with ID, name, description and loader

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
  - factory/partner.go: Partner presets
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/partner-crm/crm"
	"github.com/warp/partner-crm/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, h *Handler) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "affiliate-network",
			Name:        "Affiliate Network",
			Description: "Two flat-rate affiliates with referred and organic users, some converted",
		},
		load: loadAffiliateNetwork,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "agency-tiers",
			Name:        "Agency Tiers",
			Description: "Agency with a tiered commission schedule and repeated renewals",
		},
		load: loadAgencyTiers,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "expiring-trials",
			Name:        "Expiring Subscriptions",
			Description: "Paid subscriptions past their end date, waiting for the expiry sweeper",
		},
		load: loadExpiringTrials,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if s, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, s.ScenarioDTO)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown_scenario", req.ScenarioID)
		return
	}

	if err := h.LoadScenarioByID(r.Context(), s.ID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// LoadScenarioByID resets the store and runs the scenario's loader.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	s, ok := findScenario(id)
	if !ok {
		return fmt.Errorf("%w: unknown scenario %q", crm.ErrInvalidInput, id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Ledger.Store().Reset(ctx); err != nil {
		return fmt.Errorf("reset before scenario %s: %w", id, err)
	}
	h.currentScenario = ""
	if err := s.load(ctx, h); err != nil {
		return fmt.Errorf("load scenario %s: %w", id, err)
	}
	h.currentScenario = id
	return nil
}

// ResetDatabase deletes every row.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Ledger.Store().Reset(r.Context()); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadAffiliateNetwork(ctx context.Context, h *Handler) error {
	b := newSeeder(ctx, h)

	b.partner(factory.AffiliateJSON("aff-blog", "blog@partners.example.com", "Budget Travel Blog", 10))
	b.partner(factory.AffiliateJSON("aff-tube", "tube@partners.example.com", "Trip Reviews Channel", 20))

	b.user("u-alice", "alice@example.com", "aff-blog", crm.RegionUS, nil)
	b.user("u-bob", "bob@example.com", "aff-blog", crm.RegionUK, nil)
	b.user("u-chen", "chen@example.com", "aff-tube", crm.RegionAPAC, nil)
	b.user("u-dana", "dana@example.com", "aff-tube", crm.RegionEU, nil)
	b.user("u-eve", "eve@example.com", "", crm.RegionIndia, nil)

	// Alice converts; her renewal and a redelivered webhook do not credit again.
	b.pay("ch_alice_1", "u-alice", "49.00", nil)
	b.pay("ch_alice_1", "u-alice", "49.00", nil)
	b.pay("ch_alice_2", "u-alice", "49.00", nil)
	b.pay("ch_chen_1", "u-chen", "99.00", nil)
	b.pay("ch_eve_1", "u-eve", "49.00", nil)
	return b.err
}

func loadAgencyTiers(ctx context.Context, h *Handler) error {
	b := newSeeder(ctx, h)

	b.partner(factory.AgencyJSON("agency-nomad", "ops@nomad-agency.example.com", "Nomad Agency", 15, 25, "50.00"))
	b.partner(factory.AffiliateJSON("aff-newsletter", "hi@newsletter.example.com", "Weekly Deals", 5))

	for i := 1; i <= 6; i++ {
		id := fmt.Sprintf("u-agency-%d", i)
		b.user(id, fmt.Sprintf("agency-user-%d@example.com", i), "agency-nomad", crm.RegionEU, nil)
		if i <= 4 {
			b.pay("ch_"+id, id, "120.00", nil)
		}
	}
	b.user("u-news-1", "reader@example.com", "aff-newsletter", crm.RegionUS, nil)
	b.pay("ch_news_1", "u-news-1", "19.99", nil)
	return b.err
}

func loadExpiringTrials(ctx context.Context, h *Handler) error {
	b := newSeeder(ctx, h)
	now := time.Now().UTC()
	lapsed := now.Add(-48 * time.Hour)
	future := now.AddDate(0, 1, 0)

	b.partner(factory.AffiliateJSON("aff-coupons", "deals@coupons.example.com", "Coupon Hub", 12))

	// Active with an end date in the past: expired by the next sweep.
	b.user("u-lapsed-1", "lapsed1@example.com", "aff-coupons", crm.RegionUS, &lapsed)
	b.pay("ch_lapsed_1", "u-lapsed-1", "29.00", nil)
	b.user("u-lapsed-2", "lapsed2@example.com", "", crm.RegionRestOfWorld, &lapsed)
	b.pay("ch_lapsed_2", "u-lapsed-2", "29.00", nil)

	// Renewed into the future: stays active.
	b.user("u-renewed", "renewed@example.com", "aff-coupons", crm.RegionUK, &lapsed)
	b.pay("ch_renewed_1", "u-renewed", "29.00", &future)

	// Never paid: stays added even though the end date has passed.
	b.user("u-trial", "trial@example.com", "aff-coupons", crm.RegionIndia, &lapsed)
	return b.err
}

// =============================================================================
// SEEDER
// =============================================================================

// seeder writes scenario rows through the ledger and keeps the first error.
type seeder struct {
	ctx context.Context
	h   *Handler
	err error
}

func newSeeder(ctx context.Context, h *Handler) *seeder {
	return &seeder{ctx: ctx, h: h}
}

func (s *seeder) partner(jsonStr string) {
	if s.err != nil {
		return
	}
	p, err := s.h.PartnerFactory.ParsePartner(jsonStr)
	if err != nil {
		s.err = err
		return
	}
	_, s.err = s.h.Ledger.CreatePartner(s.ctx, *p)
}

func (s *seeder) user(id, email, partnerID string, region crm.Region, endsAt *time.Time) {
	if s.err != nil {
		return
	}
	sub := crm.Subscriber{ID: crm.UserID(id), Email: email, Region: region, SubscriptionEndsAt: endsAt}
	if partnerID != "" {
		pid := crm.PartnerID(partnerID)
		sub.PartnerID = &pid
	}
	_, s.err = s.h.Ledger.Enroll(s.ctx, sub)
}

func (s *seeder) pay(ref, userID, amount string, coversUntil *time.Time) {
	if s.err != nil {
		return
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		s.err = err
		return
	}
	_, s.err = s.h.Ledger.RecordPayment(s.ctx, crm.Payment{
		ExternalRef: ref,
		UserID:      crm.UserID(userID),
		Amount:      amt,
		Currency:    "USD",
		CoversUntil: coversUntil,
	})
}
