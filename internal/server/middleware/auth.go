package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/licensedesk/licensedesk/internal/model"
	"github.com/licensedesk/licensedesk/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated principal.
	AuthPrincipalKey contextKeyAuth = "auth_principal"

	principalHolderKey contextKeyAuth = "principal_holder"
)

// Principal types.
const (
	PrincipalAdmin  = "admin"
	PrincipalMember = "member"
)

// Principal represents the authenticated identity making the request.
type Principal struct {
	Type     string // PrincipalAdmin or PrincipalMember
	ID       string
	Username string // admins only
	Email    string // members only
}

// IsAdmin reports whether the principal authenticated with an admin token.
func (p *Principal) IsAdmin() bool { return p != nil && p.Type == PrincipalAdmin }

// IsMember reports whether the principal authenticated with a member token.
func (p *Principal) IsMember() bool { return p != nil && p.Type == PrincipalMember }

// Actor is the name recorded in the activity log for writes made by this
// principal.
func (p *Principal) Actor() string {
	if p == nil {
		return model.ActorSystem
	}
	if p.Type == PrincipalAdmin {
		return p.Username
	}
	return p.Email
}

// Authenticate returns an HTTP middleware that validates the bearer token of
// the request. Admin tokens are tried first, then member tokens. On success,
// a Principal is attached to the request context. Every failure yields the
// same 401 response so callers cannot tell why a token was rejected.
func Authenticate(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, service.ErrInvalidToken.Error())
				return
			}

			var principal *Principal
			if a, err := authSvc.ValidateAdminToken(token); err == nil {
				principal = &Principal{Type: PrincipalAdmin, ID: a.ID, Username: a.Username}
			} else if m, err := authSvc.ValidateMemberToken(token); err == nil {
				principal = &Principal{Type: PrincipalMember, ID: m.ID, Email: m.Email}
			}
			if principal == nil {
				writeAuthError(w, http.StatusUnauthorized, service.ErrInvalidToken.Error())
				return
			}

			if h, ok := r.Context().Value(principalHolderKey).(*principalHolder); ok {
				h.p = principal
			}
			ctx := context.WithValue(r.Context(), AuthPrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin returns an HTTP middleware that enforces admin-level access.
// It must be used after Authenticate in the middleware chain.
func RequireAdmin() func(http.Handler) http.Handler {
	return require(func(p *Principal) bool { return p.IsAdmin() }, "admin access required")
}

// RequireMember returns an HTTP middleware that only admits member tokens.
func RequireMember() func(http.Handler) http.Handler {
	return require(func(p *Principal) bool { return p.IsMember() }, "member access required")
}

func require(allowed func(*Principal) bool, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allowed(GetPrincipal(r.Context())) {
				writeAuthError(w, http.StatusForbidden, message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken returns the token of an "Authorization: Bearer" header, or "".
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

type principalHolder struct{ p *Principal }

func withPrincipalHolder(ctx context.Context, h *principalHolder) context.Context {
	return context.WithValue(ctx, principalHolderKey, h)
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, model.Envelope{Success: false, Error: message})
}

func writeEnvelope(w http.ResponseWriter, status int, env model.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}
