package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/opsmaint/authcore/pkg/identity"
	"github.com/opsmaint/authcore/pkg/session"
)

type contextKey string

const authContextKey contextKey = "auth_context"

// AuthContext is what authenticated handlers see: the live user record
// and the claims the request presented.
type AuthContext struct {
	User   *identity.User
	Claims *session.Claims
}

// AuthMiddleware authenticates requests from the session cookie or a
// bearer token, re-checks the session binding against the presenting
// client and the token version against the stored user.
type AuthMiddleware struct {
	sessions *session.Issuer
	store    identity.Store
	optional bool
}

func NewAuthMiddleware(sessions *session.Issuer, store identity.Store, optional bool) *AuthMiddleware {
	return &AuthMiddleware{
		sessions: sessions,
		store:    store,
		optional: optional,
	}
}

// Handler wraps an HTTP handler with authentication.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractToken(r)
		if raw == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			m.unauthorizedResponse(w, "authentication required")
			return
		}

		claims, err := m.sessions.Parse(raw, session.PurposeAccess)
		if err != nil {
			m.unauthorizedResponse(w, "invalid or expired token")
			return
		}

		u, err := m.store.FindByID(r.Context(), claims.Subject)
		if err != nil || !u.Active {
			m.unauthorizedResponse(w, "invalid or expired token")
			return
		}

		// A replayed token from a different client, or one issued before
		// the last logout, fails here even with a valid signature.
		if err := m.sessions.Validate(claims, u, session.FingerprintRequest(r)); err != nil {
			m.unauthorizedResponse(w, "invalid or expired token")
			return
		}

		ctx := withAuth(r.Context(), &AuthContext{User: u, Claims: claims})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken prefers the session cookie; the Authorization header is
// the fallback for non-browser clients.
func extractToken(r *http.Request) string {
	if c, err := r.Cookie(session.AccessCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

func (m *AuthMiddleware) unauthorizedResponse(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}

func withAuth(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// GetAuthContext extracts the auth context from a request, nil when the
// request is unauthenticated.
func GetAuthContext(r *http.Request) *AuthContext {
	v := r.Context().Value(authContextKey)
	if v == nil {
		return nil
	}
	ac, ok := v.(*AuthContext)
	if !ok {
		return nil
	}
	return ac
}

// RequireRole gates a handler on a canonical role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := GetAuthContext(r)
			if ac == nil {
				forbiddenResponse(w, "authentication required")
				return
			}
			if !ac.User.HasRole(role) {
				forbiddenResponse(w, "insufficient role permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forbiddenResponse(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
