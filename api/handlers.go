/*
handlers.go - HTTP API handlers for the partner CRM

PURPOSE:
  Exposes the revenue ledger via REST API. Handlers parse and validate the
  request, check that the caller may touch the resource, delegate to
  crm.Ledger, and serialize the response. They carry no invariant logic and
  never write partner aggregates.

ENDPOINTS:
  Payments:
    POST   /api/payments                     Record a successful charge
                                             (admin or webhook secret)
  Users:
    GET    /api/users                        List users (partner: own referrals)
    POST   /api/users                        Provision a user
    GET    /api/users/{id}                   User details
    GET    /api/users/{id}/payments          Payment history
    PATCH  /api/users/{id}/subscription      Guarded status / end-date change

  Partners:
    GET    /api/partners                     List partners (admin)
    POST   /api/partners                     Create partner from PartnerJSON
    GET    /api/partners/{id}                Partner details
    GET    /api/partners/{id}/users          Referred users
    GET    /api/partners/{id}/stats          Aggregates, status counts, audit
    POST   /api/partners/{id}/active         Soft enable/disable (admin)

  Admin:
    GET    /api/stats                        Platform status counts
    POST   /api/admin/sweep                  Run the expiry sweeper now

ERROR HANDLING:
  Errors are returned as JSON {"error": code, "message": ...}:
  - 400: invalid input or status
  - 401/403: authentication / authorization
  - 404: unknown partner or user
  - 409: duplicate email or id, inactive partner
  - 422: illegal_transition (status regression)
  - 503: retryable consistency or concurrency failure, with Retry-After
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Principals and role checks
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/warp/partner-crm/crm"
	"github.com/warp/partner-crm/factory"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger         *crm.Ledger
	PartnerFactory *factory.PartnerFactory

	logger   *zap.Logger
	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over ledger. A nil logger disables logging.
func NewHandler(ledger *crm.Ledger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Ledger:         ledger,
		PartnerFactory: factory.NewPartnerFactory(),
		logger:         logger,
		validate:       v,
	}
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// RecordPayment ingests a payment event. A repeated external_ref is
// answered 200 with duplicate=true; a new payment is 201.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	p := crm.Payment{
		ExternalRef: req.ExternalRef,
		UserID:      crm.UserID(req.UserID),
		Amount:      *req.Amount,
		Currency:    req.Currency,
		CoversUntil: req.CoversUntil,
	}
	if req.PaidAt != nil {
		p.PaidAt = *req.PaidAt
	}

	result, err := h.Ledger.RecordPayment(r.Context(), p)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, toPaymentResultDTO(result))
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// ListUsers returns every user, or a partner's own referrals.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	var filter *crm.PartnerID
	if p, _ := PrincipalFrom(r.Context()); !p.IsAdmin() {
		filter = &p.PartnerID
	}
	h.writeUsers(w, r, filter)
}

// CreateUser provisions a user in state added. Partners may only provision
// users referred by themselves; the partner_id defaults to the caller.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !h.decode(w, r, &req) {
		return
	}

	sub := crm.Subscriber{
		ID:                 crm.UserID(req.ID),
		Email:              req.Email,
		Region:             crm.Region(req.Region),
		SubscriptionEndsAt: req.SubscriptionEndsAt,
	}
	if req.PartnerID != nil {
		pid := crm.PartnerID(*req.PartnerID)
		sub.PartnerID = &pid
	}

	if p, _ := PrincipalFrom(r.Context()); !p.IsAdmin() {
		if sub.PartnerID != nil && *sub.PartnerID != p.PartnerID {
			writeError(w, http.StatusForbidden, "forbidden", "partners may only provision their own referrals")
			return
		}
		own := p.PartnerID
		sub.PartnerID = &own
	}

	created, err := h.Ledger.Enroll(r.Context(), sub)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(created))
}

// GetUser returns a single user.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(sub))
}

// ListUserPayments returns a user's payments, oldest first.
func (h *Handler) ListUserPayments(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	payments, err := h.Ledger.Store().ListPayments(r.Context(), sub.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]PaymentDTO, len(payments))
	for i := range payments {
		dtos[i] = toPaymentDTO(&payments[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UpdateSubscription applies a guarded status and/or end-date change.
func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	var req UpdateSubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}

	upd := crm.SubscriptionUpdate{
		EndsAt:      req.SubscriptionEndsAt,
		ClearEndsAt: req.ClearEndsAt,
	}
	if req.Status != nil {
		st, err := crm.ParseStatus(*req.Status)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		upd.Status = &st
	}

	updated, err := h.Ledger.UpdateSubscription(r.Context(), sub.ID, upd)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(updated))
}

// loadUser fetches {id} and hides users outside a partner's referrals.
func (h *Handler) loadUser(w http.ResponseWriter, r *http.Request) (*crm.Subscriber, bool) {
	id := crm.UserID(chi.URLParam(r, "id"))
	sub, err := h.Ledger.Store().GetSubscriber(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return nil, false
	}
	if p, _ := PrincipalFrom(r.Context()); !p.IsAdmin() {
		if !sub.Referred() || *sub.PartnerID != p.PartnerID {
			h.writeDomainError(w, r, crm.ErrUserNotFound)
			return nil, false
		}
	}
	return sub, true
}

func (h *Handler) writeUsers(w http.ResponseWriter, r *http.Request, partnerID *crm.PartnerID) {
	subs, err := h.Ledger.Store().ListSubscribers(r.Context(), partnerID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]UserDTO, len(subs))
	for i := range subs {
		dtos[i] = toUserDTO(&subs[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PARTNER HANDLERS
// =============================================================================

// ListPartners returns all partners.
func (h *Handler) ListPartners(w http.ResponseWriter, r *http.Request) {
	partners, err := h.Ledger.Store().ListPartners(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]PartnerDTO, len(partners))
	for i := range partners {
		dtos[i] = toPartnerDTO(&partners[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePartner creates a partner from a PartnerJSON body.
func (h *Handler) CreatePartner(w http.ResponseWriter, r *http.Request) {
	var req factory.PartnerJSON
	if !h.decode(w, r, &req) {
		return
	}
	partner, err := h.PartnerFactory.FromJSON(req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	created, err := h.Ledger.CreatePartner(r.Context(), *partner)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPartnerDTO(created))
}

// GetPartner returns a single partner.
func (h *Handler) GetPartner(w http.ResponseWriter, r *http.Request) {
	id, ok := h.partnerParam(w, r)
	if !ok {
		return
	}
	p, err := h.Ledger.Store().GetPartner(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPartnerDTO(p))
}

// ListPartnerUsers returns the users a partner referred.
func (h *Handler) ListPartnerUsers(w http.ResponseWriter, r *http.Request) {
	id, ok := h.partnerParam(w, r)
	if !ok {
		return
	}
	if _, err := h.Ledger.Store().GetPartner(r.Context(), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeUsers(w, r, &id)
}

// GetPartnerStats returns aggregates, per-status counts and the journal audit.
func (h *Handler) GetPartnerStats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.partnerParam(w, r)
	if !ok {
		return
	}
	stats, err := h.Ledger.PartnerStats(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if !stats.Audit.Consistent() {
		h.logger.Warn("partner aggregates drifted from commission journal",
			zap.String("partner_id", string(id)),
			zap.String("total_revenue", formatMoney(stats.Audit.TotalRevenue)),
			zap.String("journal_revenue", formatMoney(stats.Audit.JournalRevenue)))
	}
	writeJSON(w, http.StatusOK, PartnerStatsDTO{
		Partner:        toPartnerDTO(&stats.Partner),
		StatusCounts:   toCountsDTO(stats.Counts),
		ConversionRate: stats.ConversionRate(),
		Audit: AuditDTO{
			JournalRevenue:   formatMoney(stats.Audit.JournalRevenue),
			JournalConverted: stats.Audit.JournalConverted,
			Consistent:       stats.Audit.Consistent(),
		},
	})
}

// SetPartnerActive soft-enables or soft-disables a partner.
func (h *Handler) SetPartnerActive(w http.ResponseWriter, r *http.Request) {
	id := crm.PartnerID(chi.URLParam(r, "id"))
	var req SetPartnerActiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Ledger.SetPartnerActive(r.Context(), id, *req.Active); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	p, err := h.Ledger.Store().GetPartner(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPartnerDTO(p))
}

// partnerParam reads {id}; partners may only address themselves.
func (h *Handler) partnerParam(w http.ResponseWriter, r *http.Request) (crm.PartnerID, bool) {
	id := crm.PartnerID(chi.URLParam(r, "id"))
	if p, _ := PrincipalFrom(r.Context()); !p.IsAdmin() && p.PartnerID != id {
		writeError(w, http.StatusForbidden, "forbidden", "partners may only view themselves")
		return "", false
	}
	return id, true
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// GetStats returns platform-wide status counts.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := h.Ledger.Store().StatusCounts(ctx, nil)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	partners, err := h.Ledger.Store().ListPartners(ctx)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsDTO{
		StatusCounts: toCountsDTO(counts),
		Total:        counts.Total(),
		Partners:     len(partners),
	})
}

// TriggerSweep runs the expiry sweeper once.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.Ledger.SweepExpired(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepDTO{Expired: n})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and runs struct validation. It writes
// a 400 and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		if fe.Param() != "" {
			msgs[i] = fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
		} else {
			msgs[i] = fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag())
		}
	}
	return strings.Join(msgs, "; ")
}

// writeDomainError maps crm errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, crm.ErrIllegalTransition):
		writeError(w, http.StatusUnprocessableEntity, "illegal_transition", err.Error())
	case errors.Is(err, crm.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
	case errors.Is(err, crm.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, crm.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "duplicate_email", err.Error())
	case errors.Is(err, crm.ErrDuplicateID):
		writeError(w, http.StatusConflict, "duplicate_id", err.Error())
	case errors.Is(err, crm.ErrPartnerInactive):
		writeError(w, http.StatusConflict, "partner_inactive", err.Error())
	case errors.Is(err, crm.ErrPartnerNotFound):
		writeError(w, http.StatusNotFound, "partner_not_found", err.Error())
	case errors.Is(err, crm.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found", err.Error())
	case crm.IsRetryable(err):
		h.logger.Warn("retryable ledger failure",
			zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "retry", err.Error())
	default:
		h.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
