/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the crm domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Responses render amounts as strings with two decimal places. Requests
  accept JSON numbers or strings; precision below the minor unit is
  rejected by the ledger, never rounded.

VALIDATION:
  Shape checks (required, email, enum) are validator/v10 struct tags,
  enforced by Handler.decode. Invariant checks live in crm.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/partner.go: PartnerJSON, used as the partner create body
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/partner-crm/crm"
	"github.com/warp/partner-crm/factory"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateUserRequest provisions an end-user subscription.
type CreateUserRequest struct {
	ID                 string     `json:"id" validate:"omitempty,max=64"`
	Email              string     `json:"email" validate:"required,email,max=254"`
	PartnerID          *string    `json:"partner_id" validate:"omitempty,min=1,max=64"`
	Region             string     `json:"region" validate:"omitempty,oneof=in us eu uk apac row"`
	SubscriptionEndsAt *time.Time `json:"subscription_ends_at"`
}

// RecordPaymentRequest is a successful charge reported by the processor.
type RecordPaymentRequest struct {
	ExternalRef string           `json:"external_ref" validate:"required,max=255"`
	UserID      string           `json:"user_id" validate:"required,max=64"`
	Amount      *decimal.Decimal `json:"amount" validate:"required"`
	Currency    string           `json:"currency" validate:"required,len=3,alpha"`
	PaidAt      *time.Time       `json:"paid_at"`
	CoversUntil *time.Time       `json:"covers_until"`
}

// UpdateSubscriptionRequest changes status and/or the paid-until date.
type UpdateSubscriptionRequest struct {
	Status             *string    `json:"status" validate:"omitempty,oneof=added active expired"`
	SubscriptionEndsAt *time.Time `json:"subscription_ends_at"`
	ClearEndsAt        bool       `json:"clear_subscription_ends_at"`
}

// SetPartnerActiveRequest soft-enables or soft-disables a partner.
type SetPartnerActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// PartnerDTO represents a partner in API responses.
type PartnerDTO struct {
	ID                string             `json:"id"`
	Email             string             `json:"email"`
	Name              string             `json:"name"`
	CommissionPercent int                `json:"commission_percent"`
	CommissionSlabs   []factory.SlabJSON `json:"commission_slabs,omitempty"`
	Active            bool               `json:"active"`
	TotalRevenue      string             `json:"total_revenue"`
	TotalAdded        int64              `json:"total_added"`
	TotalConverted    int64              `json:"total_converted"`
	CreatedAt         string             `json:"created_at"`
	UpdatedAt         string             `json:"updated_at"`
}

// UserDTO represents a user subscription in API responses.
type UserDTO struct {
	ID                 string  `json:"id"`
	Email              string  `json:"email"`
	PartnerID          *string `json:"partner_id"`
	Region             string  `json:"region"`
	Status             string  `json:"subscription_status"`
	SubscriptionEndsAt *string `json:"subscription_ends_at"`
	ConvertedAt        *string `json:"converted_at"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

// PaymentDTO represents a recorded payment.
type PaymentDTO struct {
	ID          string  `json:"id"`
	ExternalRef string  `json:"external_ref"`
	UserID      string  `json:"user_id"`
	Amount      string  `json:"amount"`
	Currency    string  `json:"currency"`
	PaidAt      string  `json:"paid_at"`
	CoversUntil *string `json:"covers_until,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// PaymentResultDTO describes what a payment event did.
type PaymentResultDTO struct {
	Payment    PaymentDTO `json:"payment"`
	Duplicate  bool       `json:"duplicate"`
	Converted  bool       `json:"converted"`
	PartnerID  *string    `json:"partner_id,omitempty"`
	Rate       string     `json:"commission_rate,omitempty"`
	Commission string     `json:"commission"`
}

// AuditDTO compares a partner's aggregates with its commission journal.
type AuditDTO struct {
	JournalRevenue   string `json:"journal_revenue"`
	JournalConverted int64  `json:"journal_converted"`
	Consistent       bool   `json:"consistent"`
}

// PartnerStatsDTO is the reporting view of one partner.
type PartnerStatsDTO struct {
	Partner        PartnerDTO       `json:"partner"`
	StatusCounts   map[string]int64 `json:"status_counts"`
	ConversionRate float64          `json:"conversion_rate"`
	Audit          AuditDTO         `json:"audit"`
}

// StatsDTO counts subscribers per status across the platform.
type StatsDTO struct {
	StatusCounts map[string]int64 `json:"status_counts"`
	Total        int64            `json:"total"`
	Partners     int              `json:"partners"`
}

// SweepDTO reports a manual sweeper run.
type SweepDTO struct {
	Expired int64 `json:"expired"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

const timeFormat = time.RFC3339Nano

func formatMoney(d decimal.Decimal) string {
	return d.StringFixed(crm.MinorUnitPlaces)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timeFormat)
	return &s
}

func toPartnerDTO(p *crm.Partner) PartnerDTO {
	dto := PartnerDTO{
		ID:                string(p.ID),
		Email:             p.Email,
		Name:              p.Name,
		CommissionPercent: p.CommissionPercent,
		Active:            p.Active,
		TotalRevenue:      formatMoney(p.TotalRevenue),
		TotalAdded:        p.TotalAdded,
		TotalConverted:    p.TotalConverted,
		CreatedAt:         p.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt:         p.UpdatedAt.UTC().Format(timeFormat),
	}
	for _, s := range p.CommissionSlabs {
		dto.CommissionSlabs = append(dto.CommissionSlabs, factory.SlabJSON{MinRevenue: s.MinRevenue, Percent: s.Percent})
	}
	return dto
}

func toUserDTO(s *crm.Subscriber) UserDTO {
	dto := UserDTO{
		ID:                 string(s.ID),
		Email:              s.Email,
		Region:             string(s.Region),
		Status:             string(s.Status),
		SubscriptionEndsAt: formatTimePtr(s.SubscriptionEndsAt),
		ConvertedAt:        formatTimePtr(s.ConvertedAt),
		CreatedAt:          s.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt:          s.UpdatedAt.UTC().Format(timeFormat),
	}
	if s.Referred() {
		pid := string(*s.PartnerID)
		dto.PartnerID = &pid
	}
	return dto
}

func toPaymentDTO(p *crm.Payment) PaymentDTO {
	return PaymentDTO{
		ID:          string(p.ID),
		ExternalRef: p.ExternalRef,
		UserID:      string(p.UserID),
		Amount:      formatMoney(p.Amount),
		Currency:    p.Currency,
		PaidAt:      p.PaidAt.UTC().Format(timeFormat),
		CoversUntil: formatTimePtr(p.CoversUntil),
		CreatedAt:   p.CreatedAt.UTC().Format(timeFormat),
	}
}

func toPaymentResultDTO(r *crm.PaymentResult) PaymentResultDTO {
	dto := PaymentResultDTO{
		Payment:    toPaymentDTO(&r.Payment),
		Duplicate:  r.Duplicate,
		Converted:  r.Converted,
		Commission: formatMoney(r.Commission),
	}
	if r.PartnerID != nil {
		pid := string(*r.PartnerID)
		dto.PartnerID = &pid
	}
	if !r.Rate.IsZero() {
		dto.Rate = r.Rate.String()
	}
	return dto
}

func toCountsDTO(c crm.StatusCounts) map[string]int64 {
	out := make(map[string]int64, len(crm.AllStatuses))
	for _, s := range crm.AllStatuses {
		out[string(s)] = c[s]
	}
	return out
}
