package monitoring_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/partner-crm/crm"
	"github.com/warp/partner-crm/monitoring"
)

func TestMetrics_Observer(t *testing.T) {
	m, err := monitoring.New()
	require.NoError(t, err)

	m.PaymentRecorded(crm.OutcomeConverted)
	m.PaymentRecorded(crm.OutcomeConverted)
	m.PaymentRecorded(crm.OutcomeDuplicate)
	m.CommissionCredited(decimal.RequireFromString("12.50"))
	m.CommissionCredited(decimal.Zero)
	m.Enrolled(true)
	m.SweepCompleted(3, 20*time.Millisecond, nil)
	m.SweepCompleted(0, time.Millisecond, errors.New("db down"))

	expected := `
# HELP partner_crm_payments_total Payments processed, by outcome (converted, renewal, duplicate, failed).
# TYPE partner_crm_payments_total counter
partner_crm_payments_total{outcome="converted"} 2
partner_crm_payments_total{outcome="duplicate"} 1
# HELP partner_crm_commission_credited_total Commission credited to partners, in currency units.
# TYPE partner_crm_commission_credited_total counter
partner_crm_commission_credited_total 12.5
# HELP partner_crm_sweep_expired_total Subscriptions moved from active to expired by the sweeper.
# TYPE partner_crm_sweep_expired_total counter
partner_crm_sweep_expired_total 3
# HELP partner_crm_sweep_runs_total Expiry sweeper runs, by result.
# TYPE partner_crm_sweep_runs_total counter
partner_crm_sweep_runs_total{result="error"} 1
partner_crm_sweep_runs_total{result="ok"} 1
`
	err = testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"partner_crm_payments_total",
		"partner_crm_commission_credited_total",
		"partner_crm_sweep_expired_total",
		"partner_crm_sweep_runs_total")
	assert.NoError(t, err)
}

func TestMetrics_MiddlewareUsesRoutePattern(t *testing.T) {
	m, err := monitoring.New()
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/users/"+id, nil))
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(),
		`partner_crm_http_requests_total{method="GET",route="/api/users/{id}",status="404"} 3`)
}
