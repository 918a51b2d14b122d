/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers and roles.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. AccessLog:  zap request logging with the request id
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request count and latency, when configured
  6. CORS:       Cross-origin requests for the admin frontend
  7. Auth:       Bearer JWT or webhook secret, /api only

ROUTE GROUPS:
  /api/payments         Payment ingestion (admin, webhook)
  /api/users/*          User provisioning and subscription updates
  /api/partners/*       Partner management and stats
  /api/stats            Platform counts (admin)
  /api/admin/*          Manual sweeper run (admin)
  /api/scenarios/*      Demo scenarios (admin)
  /healthz              Liveness, unauthenticated
  /metrics              Prometheus, unauthenticated

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Authenticator and RequireRole
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/partner-crm/monitoring"
	"go.uber.org/zap"
)

// RouterConfig carries the collaborators NewRouter wires in.
type RouterConfig struct {
	Auth           *Authenticator
	AllowedOrigins []string
	Metrics        *monitoring.Metrics
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(logger))
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", WebhookSecretHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	admin := RequireRole(RoleAdmin)
	adminOrPartner := RequireRole(RoleAdmin, RolePartner)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)

		r.With(RequireRole(RoleAdmin, RoleWebhook)).Post("/payments", h.RecordPayment)

		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Use(adminOrPartner)
			r.Get("/", h.ListUsers)
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
			r.Get("/{id}/payments", h.ListUserPayments)
			r.Patch("/{id}/subscription", h.UpdateSubscription)
		})

		// Partner routes
		r.Route("/partners", func(r chi.Router) {
			r.With(admin).Get("/", h.ListPartners)
			r.With(admin).Post("/", h.CreatePartner)
			r.With(adminOrPartner).Get("/{id}", h.GetPartner)
			r.With(adminOrPartner).Get("/{id}/users", h.ListPartnerUsers)
			r.With(adminOrPartner).Get("/{id}/stats", h.GetPartnerStats)
			r.With(admin).Post("/{id}/active", h.SetPartnerActive)
		})

		r.With(admin).Get("/stats", h.GetStats)
		r.With(admin).Post("/admin/sweep", h.TriggerSweep)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Use(admin)
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// AccessLog logs one structured line per request.
func AccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}
