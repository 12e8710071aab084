package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmaint/authcore/pkg/identity"
	"github.com/opsmaint/authcore/pkg/session"
)

func authFixture(t *testing.T) (*session.Issuer, *identity.MemStore, *identity.User) {
	t.Helper()
	sessions, err := session.NewIssuer(session.IssuerConfig{Secret: "test-secret-not-for-production"})
	require.NoError(t, err)
	store := identity.NewMemStore()
	u := &identity.User{
		ID:       "u-1",
		Email:    "tech@plant.example.com",
		TenantID: "tenant-1",
		Roles:    []string{"technician"},
		Active:   true,
	}
	require.NoError(t, store.Create(context.Background(), u))
	return sessions, store, u
}

func okHandler() (http.Handler, *bool) {
	called := false
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}), &called
}

func TestAuthMiddlewareCookie(t *testing.T) {
	sessions, store, u := authFixture(t)
	m := NewAuthMiddleware(sessions, store, false)

	r := httptest.NewRequest("GET", "/auth/me", nil)
	r.RemoteAddr = "203.0.113.7:1234"
	r.Header.Set("User-Agent", "ua")
	token, err := sessions.Access(u, session.FingerprintRequest(r))
	require.NoError(t, err)
	r.AddCookie(&http.Cookie{Name: session.AccessCookieName, Value: token})

	var got *AuthContext
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetAuthContext(r)
	})
	w := httptest.NewRecorder()
	m.Handler(inner).ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, "u-1", got.User.ID)
	assert.Equal(t, "tenant-1", got.Claims.TenantID)
}

func TestAuthMiddlewareBearerFallback(t *testing.T) {
	sessions, store, u := authFixture(t)
	m := NewAuthMiddleware(sessions, store, false)

	r := httptest.NewRequest("GET", "/auth/me", nil)
	r.RemoteAddr = "203.0.113.7:1234"
	token, err := sessions.Access(u, session.FingerprintRequest(r))
	require.NoError(t, err)
	r.Header.Set("Authorization", "Bearer "+token)

	inner, called := okHandler()
	w := httptest.NewRecorder()
	m.Handler(inner).ServeHTTP(w, r)
	assert.True(t, *called)
}

func TestAuthMiddlewareRejections(t *testing.T) {
	sessions, store, u := authFixture(t)
	m := NewAuthMiddleware(sessions, store, false)

	issueFor := func(ip string) string {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = ip + ":1"
		tok, err := sessions.Access(u, session.FingerprintRequest(r))
		require.NoError(t, err)
		return tok
	}

	t.Run("missing token", func(t *testing.T) {
		inner, called := okHandler()
		w := httptest.NewRecorder()
		m.Handler(inner).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.False(t, *called)
	})

	t.Run("garbage token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer garbage")
		inner, _ := okHandler()
		w := httptest.NewRecorder()
		m.Handler(inner).ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("replay from different client", func(t *testing.T) {
		token := issueFor("203.0.113.7")
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "198.51.100.9:1"
		r.AddCookie(&http.Cookie{Name: session.AccessCookieName, Value: token})
		inner, _ := okHandler()
		w := httptest.NewRecorder()
		m.Handler(inner).ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token version superseded by logout", func(t *testing.T) {
		token := issueFor("203.0.113.7")
		_, err := store.IncrementTokenVersion(context.Background(), u.ID)
		require.NoError(t, err)

		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "203.0.113.7:1"
		r.AddCookie(&http.Cookie{Name: session.AccessCookieName, Value: token})
		inner, _ := okHandler()
		w := httptest.NewRecorder()
		m.Handler(inner).ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestAuthMiddlewareOptional(t *testing.T) {
	sessions, store, _ := authFixture(t)
	m := NewAuthMiddleware(sessions, store, true)

	inner, called := okHandler()
	w := httptest.NewRecorder()
	m.Handler(inner).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.True(t, *called, "optional mode passes unauthenticated requests through")
}

func TestRequireRole(t *testing.T) {
	sessions, store, u := authFixture(t)
	m := NewAuthMiddleware(sessions, store, false)

	r := httptest.NewRequest("GET", "/admin", nil)
	r.RemoteAddr = "203.0.113.7:1"
	token, err := sessions.Access(u, session.FingerprintRequest(r))
	require.NoError(t, err)
	r.AddCookie(&http.Cookie{Name: session.AccessCookieName, Value: token})

	inner, called := okHandler()
	w := httptest.NewRecorder()
	m.Handler(RequireRole("admin")(inner)).ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, *called)

	w = httptest.NewRecorder()
	m.Handler(RequireRole("technician")(inner)).ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, *called)
}
