/*
handlers_test.go - HTTP tests for the partner CRM API

Tests for:
- Payment ingestion: conversion, commission, duplicate delivery
- Status Guard over HTTP (422 illegal_transition)
- Authentication and partner scoping
- Error mapping, including retryable failures
- Stats, manual sweep and metrics endpoints
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/partner-crm/crm"
	"github.com/warp/partner-crm/monitoring"
	"github.com/warp/partner-crm/store/sqlite"
	"go.uber.org/zap"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "test-webhook-secret"
)

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	t       *testing.T
	ledger  *crm.Ledger
	handler *Handler
	auth    *Authenticator
	router  http.Handler
	admin   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithAuth(t, false)
}

func newFixtureWithAuth(t *testing.T, authDisabled bool) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	metrics, err := monitoring.New()
	require.NoError(t, err)

	ledger := crm.NewLedger(store, crm.WithObserver(metrics))
	h := NewHandler(ledger, zap.NewNop())
	auth := NewAuthenticator(testJWTSecret, testWebhookSecret, authDisabled)
	router := NewRouter(h, RouterConfig{Auth: auth, Metrics: metrics})

	f := &fixture{t: t, ledger: ledger, handler: h, auth: auth, router: router}
	if !authDisabled {
		f.admin = f.token(RoleAdmin, "")
	}
	return f
}

func (f *fixture) token(role string, partnerID crm.PartnerID) string {
	f.t.Helper()
	tok, err := f.auth.IssueToken(role, partnerID, "test-"+role, time.Hour)
	require.NoError(f.t, err)
	return tok
}

// do sends body as JSON. headers alternate name, value.
func (f *fixture) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createPartner(id string, percent int) PartnerDTO {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/partners", f.admin, map[string]any{
		"id":                 id,
		"email":              id + "@partners.example.com",
		"name":               "Partner " + id,
		"commission_percent": percent,
	})
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[PartnerDTO](f.t, rec)
}

func (f *fixture) createUser(id, partnerID string) UserDTO {
	f.t.Helper()
	body := map[string]any{"id": id, "email": id + "@example.com"}
	if partnerID != "" {
		body["partner_id"] = partnerID
	}
	rec := f.do(http.MethodPost, "/api/users", f.admin, body)
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[UserDTO](f.t, rec)
}

func (f *fixture) webhookPayment(ref, userID, amount string) *httptest.ResponseRecorder {
	f.t.Helper()
	return f.do(http.MethodPost, "/api/payments", "", map[string]any{
		"external_ref": ref,
		"user_id":      userID,
		"amount":       amount,
		"currency":     "usd",
	}, WebhookSecretHeader, testWebhookSecret)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestRecordPayment_ConvertsAndCreditsOnce(t *testing.T) {
	// GIVEN: a 10% partner and a referred user
	f := newFixture(t)
	f.createPartner("p-1", 10)
	f.createUser("u-1", "p-1")

	// WHEN: the first payment arrives by webhook
	rec := f.webhookPayment("ch_1", "u-1", "100.00")

	// THEN: 201, converted, 10.00 credited
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[PaymentResultDTO](t, rec)
	assert.False(t, res.Duplicate)
	assert.True(t, res.Converted)
	assert.Equal(t, "10.00", res.Commission)
	require.NotNil(t, res.PartnerID)
	assert.Equal(t, "p-1", *res.PartnerID)
	assert.Equal(t, "USD", res.Payment.Currency)

	// WHEN: the processor redelivers the same event, then the user renews
	dup := f.webhookPayment("ch_1", "u-1", "100.00")
	renewal := f.webhookPayment("ch_2", "u-1", "100.00")

	// THEN: the duplicate is a 200 no-op and the renewal credits nothing
	require.Equal(t, http.StatusOK, dup.Code, dup.Body.String())
	assert.True(t, decode[PaymentResultDTO](t, dup).Duplicate)
	require.Equal(t, http.StatusCreated, renewal.Code)
	assert.False(t, decode[PaymentResultDTO](t, renewal).Converted)

	partner := decode[PartnerDTO](t, f.do(http.MethodGet, "/api/partners/p-1", f.admin, nil))
	assert.Equal(t, "10.00", partner.TotalRevenue)
	assert.EqualValues(t, 1, partner.TotalConverted)
	assert.EqualValues(t, 1, partner.TotalAdded)

	payments := decode[[]PaymentDTO](t, f.do(http.MethodGet, "/api/users/u-1/payments", f.admin, nil))
	assert.Len(t, payments, 2)

	user := decode[UserDTO](t, f.do(http.MethodGet, "/api/users/u-1", f.admin, nil))
	assert.Equal(t, "active", user.Status)
	assert.NotNil(t, user.ConvertedAt)
}

func TestRecordPayment_Rejections(t *testing.T) {
	f := newFixture(t)
	f.createUser("u-1", "")

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"unknown user", map[string]any{"external_ref": "a", "user_id": "ghost", "amount": "1.00", "currency": "USD"}, http.StatusNotFound, "user_not_found"},
		{"sub-cent amount", map[string]any{"external_ref": "b", "user_id": "u-1", "amount": "1.005", "currency": "USD"}, http.StatusBadRequest, "invalid_input"},
		{"negative amount", map[string]any{"external_ref": "c", "user_id": "u-1", "amount": -5, "currency": "USD"}, http.StatusBadRequest, "invalid_input"},
		{"missing reference", map[string]any{"user_id": "u-1", "amount": "1.00", "currency": "USD"}, http.StatusBadRequest, "invalid_input"},
		{"bad currency", map[string]any{"external_ref": "d", "user_id": "u-1", "amount": "1.00", "currency": "US1"}, http.StatusBadRequest, "invalid_input"},
		{"unknown field", map[string]any{"external_ref": "e", "user_id": "u-1", "amount": "1.00", "currency": "USD", "tip": 1}, http.StatusBadRequest, "invalid_body"},
		{"missing amount", map[string]any{"external_ref": "f", "user_id": "u-1", "currency": "usd"}, http.StatusBadRequest, "invalid_input"},
		{"null amount", map[string]any{"external_ref": "g", "user_id": "u-1", "amount": nil, "currency": "USD"}, http.StatusBadRequest, "invalid_input"},
		{"paid in the future", map[string]any{"external_ref": "h", "user_id": "u-1", "amount": "1.00", "currency": "USD", "paid_at": "2100-01-01T00:00:00Z"}, http.StatusBadRequest, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/api/payments", f.admin, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Error)
		})
	}

	// A rejected webhook must not use up the user's conversion.
	user := decode[UserDTO](t, f.do(http.MethodGet, "/api/users/u-1", f.admin, nil))
	assert.Equal(t, "added", user.Status)
	assert.Nil(t, user.ConvertedAt)

	rec := f.webhookPayment("ch_real", "u-1", "100.00")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, decode[PaymentResultDTO](t, rec).Converted)
}

// =============================================================================
// STATUS GUARD
// =============================================================================

func TestUpdateSubscription_StatusGuard(t *testing.T) {
	// GIVEN: a converted user
	f := newFixture(t)
	f.createUser("u-1", "")
	require.Equal(t, http.StatusCreated, f.webhookPayment("ch_1", "u-1", "20.00").Code)

	// WHEN: an admin tries to move it back to added
	rec := f.do(http.MethodPatch, "/api/users/u-1/subscription", f.admin, map[string]any{"status": "added"})

	// THEN: 422 illegal_transition, and the row is unchanged
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "illegal_transition", decode[ErrorResponse](t, rec).Error)
	user := decode[UserDTO](t, f.do(http.MethodGet, "/api/users/u-1", f.admin, nil))
	assert.Equal(t, "active", user.Status)

	// AND: forward transitions and end-date changes are accepted
	ends := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	rec = f.do(http.MethodPatch, "/api/users/u-1/subscription", f.admin, map[string]any{"status": "expired", "subscription_ends_at": ends})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	user = decode[UserDTO](t, rec)
	assert.Equal(t, "expired", user.Status)
	require.NotNil(t, user.SubscriptionEndsAt)
	assert.Equal(t, ends.Format(time.RFC3339Nano), *user.SubscriptionEndsAt)

	// AND: unknown statuses and empty updates are 400
	rec = f.do(http.MethodPatch, "/api/users/u-1/subscription", f.admin, map[string]any{"status": "paused"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodPatch, "/api/users/u-1/subscription", f.admin, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// USERS AND PARTNERS
// =============================================================================

func TestCreateUser_Errors(t *testing.T) {
	f := newFixture(t)
	f.createPartner("p-1", 10)
	f.createUser("u-1", "p-1")

	rec := f.do(http.MethodPost, "/api/users", f.admin, map[string]any{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/users", f.admin, map[string]any{"email": "U-1@Example.com"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_email", decode[ErrorResponse](t, rec).Error)

	rec = f.do(http.MethodPost, "/api/users", f.admin, map[string]any{"email": "x@example.com", "partner_id": "nobody"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/api/partners/p-1/active", f.admin, map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[PartnerDTO](t, rec).Active)

	rec = f.do(http.MethodPost, "/api/users", f.admin, map[string]any{"email": "y@example.com", "partner_id": "p-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "partner_inactive", decode[ErrorResponse](t, rec).Error)

	partner := decode[PartnerDTO](t, f.do(http.MethodGet, "/api/partners/p-1", f.admin, nil))
	assert.EqualValues(t, 1, partner.TotalAdded)
}

func TestCreatePartner_Validation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/partners", f.admin, map[string]any{
		"email": "a@example.com", "name": "A", "commission_percent": 51,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/partners", f.admin, map[string]any{
		"email": "a@example.com", "name": "A", "commission_percent": 10,
		"commission_slabs": []map[string]any{
			{"min_revenue": "100", "percent": "20"},
			{"min_revenue": "0", "percent": "10"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[PartnerDTO](t, rec)
	require.Len(t, p.CommissionSlabs, 2)
	assert.True(t, p.CommissionSlabs[0].MinRevenue.IsZero())
	assert.Equal(t, "0.00", p.TotalRevenue)
	assert.NotEmpty(t, p.ID)

	list := decode[[]PartnerDTO](t, f.do(http.MethodGet, "/api/partners", f.admin, nil))
	assert.Len(t, list, 1)
}

func TestPartnerScope(t *testing.T) {
	// GIVEN: two partners with their own tokens
	f := newFixture(t)
	f.createPartner("p-a", 10)
	f.createPartner("p-b", 20)
	tokA := f.token(RolePartner, "p-a")
	tokB := f.token(RolePartner, "p-b")

	// WHEN: partner A provisions a user without naming a partner
	rec := f.do(http.MethodPost, "/api/users", tokA, map[string]any{"id": "u-a", "email": "a1@example.com"})

	// THEN: the user is attributed to A
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	user := decode[UserDTO](t, rec)
	require.NotNil(t, user.PartnerID)
	assert.Equal(t, "p-a", *user.PartnerID)

	// AND: A cannot provision for B, and B cannot see A's user
	rec = f.do(http.MethodPost, "/api/users", tokA, map[string]any{"email": "a2@example.com", "partner_id": "p-b"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/users/u-a", tokB, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPatch, "/api/users/u-a/subscription", tokB, map[string]any{"status": "expired"}).Code)
	assert.Len(t, decode[[]UserDTO](t, f.do(http.MethodGet, "/api/users", tokB, nil)), 0)
	assert.Len(t, decode[[]UserDTO](t, f.do(http.MethodGet, "/api/users", tokA, nil)), 1)

	// AND: partners see their own record and stats only
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/partners/p-a", tokA, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/partners/p-a/users", tokA, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/partners/p-b/stats", tokA, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/partners", tokA, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/payments", tokA, map[string]any{}).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/api/partners/p-a/active", tokA, map[string]any{"active": true}).Code)
}

func TestPartnerStats(t *testing.T) {
	// GIVEN: a partner with three referrals, one converted
	f := newFixture(t)
	f.createPartner("p-1", 20)
	f.createUser("u-1", "p-1")
	f.createUser("u-2", "p-1")
	f.createUser("u-3", "p-1")
	require.Equal(t, http.StatusCreated, f.webhookPayment("ch_1", "u-2", "45.50").Code)

	// WHEN: the partner reads its stats
	rec := f.do(http.MethodGet, "/api/partners/p-1/stats", f.token(RolePartner, "p-1"), nil)

	// THEN: aggregates, counts and audit agree
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stats := decode[PartnerStatsDTO](t, rec)
	assert.Equal(t, "9.10", stats.Partner.TotalRevenue)
	assert.EqualValues(t, 3, stats.Partner.TotalAdded)
	assert.EqualValues(t, 1, stats.Partner.TotalConverted)
	assert.Equal(t, map[string]int64{"added": 2, "active": 1, "expired": 0}, stats.StatusCounts)
	assert.InDelta(t, 1.0/3.0, stats.ConversionRate, 1e-9)
	assert.True(t, stats.Audit.Consistent)
	assert.Equal(t, "9.10", stats.Audit.JournalRevenue)
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	sign := func(method jwt.SigningMethod, claims Claims) string {
		tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testJWTSecret))
		require.NoError(t, err)
		return tok
	}
	expired, err := f.auth.IssueToken(RoleAdmin, "", "old", -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		headers []string
		status  int
	}{
		{"no credentials", "", nil, http.StatusUnauthorized},
		{"garbage token", "not.a.jwt", nil, http.StatusUnauthorized},
		{"expired token", expired, nil, http.StatusUnauthorized},
		{"wrong algorithm", sign(jwt.SigningMethodHS384, Claims{Role: RoleAdmin}), nil, http.StatusUnauthorized},
		{"unknown role", sign(jwt.SigningMethodHS256, Claims{Role: "root"}), nil, http.StatusUnauthorized},
		{"partner without id", sign(jwt.SigningMethodHS256, Claims{Role: RolePartner}), nil, http.StatusUnauthorized},
		{"wrong webhook secret", "", []string{WebhookSecretHeader, "nope"}, http.StatusUnauthorized},
		{"webhook outside payments", "", []string{WebhookSecretHeader, testWebhookSecret}, http.StatusForbidden},
		{"admin", f.admin, nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, "/api/stats", tt.token, nil, tt.headers...)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	// health and metrics stay public
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/metrics", "", nil).Code)
}

func TestAuthDisabled_RunsAsAdmin(t *testing.T) {
	f := newFixtureWithAuth(t, true)

	rec := f.do(http.MethodPost, "/api/partners", "", map[string]any{
		"id": "p-1", "email": "p@example.com", "name": "P", "commission_percent": 5,
	})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/stats", "", nil).Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestStatsAndSweep(t *testing.T) {
	// GIVEN: one paid user whose period ended yesterday and one trial user
	f := newFixture(t)
	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	rec := f.do(http.MethodPost, "/api/users", f.admin, map[string]any{
		"id": "u-lapsed", "email": "lapsed@example.com", "subscription_ends_at": yesterday,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	f.createUser("u-trial", "")
	require.Equal(t, http.StatusCreated, f.webhookPayment("ch_1", "u-lapsed", "9.99").Code)

	// WHEN: the sweeper runs twice
	first := f.do(http.MethodPost, "/api/admin/sweep", f.admin, nil)
	second := f.do(http.MethodPost, "/api/admin/sweep", f.admin, nil)

	// THEN: one row expired, and the second run is a no-op
	require.Equal(t, http.StatusOK, first.Code)
	assert.EqualValues(t, 1, decode[SweepDTO](t, first).Expired)
	assert.EqualValues(t, 0, decode[SweepDTO](t, second).Expired)

	stats := decode[StatsDTO](t, f.do(http.MethodGet, "/api/stats", f.admin, nil))
	assert.Equal(t, map[string]int64{"added": 1, "active": 0, "expired": 1}, stats.StatusCounts)
	assert.EqualValues(t, 2, stats.Total)
	assert.Equal(t, 0, stats.Partners)
}

func TestMetricsEndpoint_ReportsLedgerOutcomes(t *testing.T) {
	f := newFixture(t)
	f.createUser("u-1", "")
	f.webhookPayment("ch_1", "u-1", "5.00")
	f.webhookPayment("ch_1", "u-1", "5.00")

	body := f.do(http.MethodGet, "/metrics", "", nil).Body.String()
	assert.Contains(t, body, `partner_crm_payments_total{outcome="converted"} 1`)
	assert.Contains(t, body, `partner_crm_payments_total{outcome="duplicate"} 1`)
	assert.Contains(t, body, `route="/api/payments"`)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestWriteDomainError(t *testing.T) {
	h := NewHandler(nil, nil)

	tests := []struct {
		err        error
		status     int
		code       string
		retryAfter bool
	}{
		{&crm.TransitionError{From: crm.StatusActive, To: crm.StatusAdded}, http.StatusUnprocessableEntity, "illegal_transition", false},
		{fmt.Errorf("wrap: %w", crm.ErrInvalidStatus), http.StatusBadRequest, "invalid_status", false},
		{&crm.ValidationError{Field: "email", Message: "bad"}, http.StatusBadRequest, "invalid_input", false},
		{crm.ErrDuplicateEmail, http.StatusConflict, "duplicate_email", false},
		{crm.ErrDuplicateID, http.StatusConflict, "duplicate_id", false},
		{crm.ErrPartnerInactive, http.StatusConflict, "partner_inactive", false},
		{crm.ErrPartnerNotFound, http.StatusNotFound, "partner_not_found", false},
		{fmt.Errorf("get: %w", crm.ErrUserNotFound), http.StatusNotFound, "user_not_found", false},
		{&crm.ConsistencyError{PartnerID: "p-1", Op: "credit"}, http.StatusServiceUnavailable, "retry", true},
		{crm.ErrConcurrentModification, http.StatusServiceUnavailable, "retry", true},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError, "internal_error", false},
	}
	for _, tt := range tests {
		t.Run(tt.code+"/"+tt.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeDomainError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Error)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After") != "")
		})
	}
}
