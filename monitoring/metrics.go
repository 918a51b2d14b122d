package monitoring

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/warp/partner-crm/crm"
)

const namespace = "partner_crm"

// Metrics exports ledger and HTTP metrics. It implements crm.Observer.
type Metrics struct {
	registry *prometheus.Registry

	payments      *prometheus.CounterVec
	commission    prometheus.Counter
	enrollments   *prometheus.CounterVec
	sweepRuns     *prometheus.CounterVec
	sweepExpired  prometheus.Counter
	sweepDuration prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ crm.Observer = (*Metrics)(nil)

// New registers every collector on a fresh registry, along with the Go and
// process collectors.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_total",
			Help:      "Payments processed, by outcome (converted, renewal, duplicate, failed).",
		}, []string{"outcome"}),
		commission: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commission_credited_total",
			Help:      "Commission credited to partners, in currency units.",
		}),
		enrollments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrollments_total",
			Help:      "Subscribers enrolled, split by whether a partner referred them.",
		}, []string{"referred"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Expiry sweeper runs, by result.",
		}, []string{"result"}),
		sweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_expired_total",
			Help:      "Subscriptions moved from active to expired by the sweeper.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Expiry sweeper latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_time_seconds",
			Help:      "Histogram of response times",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	all := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.payments, m.commission, m.enrollments,
		m.sweepRuns, m.sweepExpired, m.sweepDuration,
		m.httpRequests, m.httpDuration,
	}
	for _, c := range all {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// =============================================================================
// crm.Observer
// =============================================================================

func (m *Metrics) PaymentRecorded(outcome string) {
	m.payments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CommissionCredited(amount decimal.Decimal) {
	if amount.IsPositive() {
		m.commission.Add(amount.InexactFloat64())
	}
}

func (m *Metrics) Enrolled(referred bool) {
	m.enrollments.WithLabelValues(strconv.FormatBool(referred)).Inc()
}

func (m *Metrics) SweepCompleted(expired int64, duration time.Duration, err error) {
	m.sweepDuration.Observe(duration.Seconds())
	if err != nil {
		m.sweepRuns.WithLabelValues("error").Inc()
		return
	}
	m.sweepRuns.WithLabelValues("ok").Inc()
	m.sweepExpired.Add(float64(expired))
}

// =============================================================================
// HTTP
// =============================================================================

// Middleware records request count and latency by chi route pattern, so
// /api/users/{id} is one series rather than one per user.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
