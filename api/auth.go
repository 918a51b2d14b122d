/*
auth.go - Bearer token and webhook authentication

PRINCIPALS:
  admin    JWT with role=admin. Full access.
  partner  JWT with role=partner and partner_id. Sees and provisions only
           its own referrals.
  webhook  X-Webhook-Secret header matching WEBHOOK_SECRET. May only post
           payment events.

TOKENS:
  HS256, verified against JWT_SECRET. Expiry is enforced when present.
  Issuing tokens for real users is the job of the login service; IssueToken
  exists for operators and tests.

AUTH_DISABLED:
  Every request runs as admin. Local demos only.
*/
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/partner-crm/crm"
)

const (
	RoleAdmin   = "admin"
	RolePartner = "partner"
	RoleWebhook = "webhook"
)

// WebhookSecretHeader carries the shared secret on payment webhooks.
const WebhookSecretHeader = "X-Webhook-Secret"

// Claims is the JWT payload trusted by this service.
type Claims struct {
	Role      string `json:"role"`
	PartnerID string `json:"partner_id,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Role      string
	PartnerID crm.PartnerID
	Subject   string
}

// IsAdmin reports whether the caller has full access.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

type principalKey struct{}

// PrincipalFrom returns the caller attached by Authenticator.Middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// =============================================================================
// AUTHENTICATOR
// =============================================================================

type Authenticator struct {
	secret        []byte
	webhookSecret []byte
	disabled      bool
}

func NewAuthenticator(jwtSecret, webhookSecret string, disabled bool) *Authenticator {
	return &Authenticator{
		secret:        []byte(jwtSecret),
		webhookSecret: []byte(webhookSecret),
		disabled:      disabled,
	}
}

// IssueToken signs an HS256 token for role, valid for ttl.
func (a *Authenticator) IssueToken(role string, partnerID crm.PartnerID, subject string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	now := time.Now()
	claims := Claims{
		Role:      role,
		PartnerID: string(partnerID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseToken verifies signature, algorithm and time claims.
func (a *Authenticator) ParseToken(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	switch claims.Role {
	case RoleAdmin:
	case RolePartner:
		if claims.PartnerID == "" {
			return nil, errors.New("partner token without partner_id")
		}
	default:
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	return claims, nil
}

// Middleware authenticates the request or answers 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (Principal, error) {
	if a.disabled {
		return Principal{Role: RoleAdmin, Subject: "auth-disabled"}, nil
	}

	if secret := r.Header.Get(WebhookSecretHeader); secret != "" {
		if len(a.webhookSecret) == 0 || subtle.ConstantTimeCompare([]byte(secret), a.webhookSecret) != 1 {
			return Principal{}, errors.New("invalid webhook secret")
		}
		return Principal{Role: RoleWebhook, Subject: "webhook"}, nil
	}

	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return Principal{}, errors.New("missing bearer token")
	}
	claims, err := a.ParseToken(raw)
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		Role:      claims.Role,
		PartnerID: crm.PartnerID(claims.PartnerID),
		Subject:   claims.Subject,
	}, nil
}

// RequireRole answers 403 unless the caller has one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := PrincipalFrom(r.Context())
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "forbidden", "")
		})
	}
}
