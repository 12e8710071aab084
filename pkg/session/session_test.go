package session

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmaint/authcore/pkg/identity"
)

func testIssuer(t *testing.T) *Issuer {
	t.Helper()
	i, err := NewIssuer(IssuerConfig{Secret: "test-secret-not-for-production"})
	require.NoError(t, err)
	return i
}

func testUser() *identity.User {
	return &identity.User{
		ID:           "u-1",
		Email:        "tech@plant.example.com",
		TenantID:     "tenant-1",
		SiteID:       "site-1",
		Roles:        []string{"technician"},
		TokenVersion: 2,
		Active:       true,
	}
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	_, err := NewIssuer(IssuerConfig{})
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	issuer := testIssuer(t)
	u := testUser()
	binding := Fingerprint("203.0.113.7", "ua", "device-1")

	raw, err := issuer.Access(u, binding)
	require.NoError(t, err)

	claims, err := issuer.Parse(raw, PurposeAccess)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.Subject)
	assert.Equal(t, "tech@plant.example.com", claims.Email)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, "site-1", claims.SiteID)
	assert.Equal(t, []string{"technician"}, claims.Roles)
	assert.Equal(t, int64(2), claims.TokenVersion)
	assert.Equal(t, binding, claims.Binding)

	require.NoError(t, issuer.Validate(claims, u, binding))
}

func TestPurposeMismatch(t *testing.T) {
	issuer := testIssuer(t)
	u := testUser()

	refresh, err := issuer.Refresh(u, "", false)
	require.NoError(t, err)

	_, err = issuer.Parse(refresh, PurposeAccess)
	assert.ErrorIs(t, err, ErrPurposeMismatch)

	rotation, err := issuer.Rotation(u)
	require.NoError(t, err)
	_, err = issuer.Parse(rotation, PurposeAccess)
	assert.ErrorIs(t, err, ErrPurposeMismatch)
}

func TestRotationTokenCarriesNoRoles(t *testing.T) {
	issuer := testIssuer(t)
	u := testUser()

	raw, err := issuer.Rotation(u)
	require.NoError(t, err)
	claims, err := issuer.Parse(raw, PurposeRotation)
	require.NoError(t, err)
	assert.Empty(t, claims.Roles)
	assert.Equal(t, []string{"technician"}, u.Roles, "caller's user is untouched")
}

func TestValidateStaleTokenVersion(t *testing.T) {
	issuer := testIssuer(t)
	u := testUser()

	raw, err := issuer.Access(u, "")
	require.NoError(t, err)
	claims, err := issuer.Parse(raw, PurposeAccess)
	require.NoError(t, err)

	// Logout-everywhere bumps the version; old tokens become stale.
	u.TokenVersion++
	assert.ErrorIs(t, issuer.Validate(claims, u, ""), ErrStaleToken)
}

func TestValidateBindingMismatch(t *testing.T) {
	issuer := testIssuer(t)
	u := testUser()
	bound := Fingerprint("203.0.113.7", "ua", "")

	raw, err := issuer.Access(u, bound)
	require.NoError(t, err)
	claims, err := issuer.Parse(raw, PurposeAccess)
	require.NoError(t, err)

	other := Fingerprint("198.51.100.9", "ua", "")
	assert.ErrorIs(t, issuer.Validate(claims, u, other), ErrBindingMismatch)
}

func TestParseRejectsTamperedToken(t *testing.T) {
	issuer := testIssuer(t)
	raw, err := issuer.Access(testUser(), "")
	require.NoError(t, err)

	_, err = issuer.Parse(raw+"x", PurposeAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestParseRejectsExpiredToken(t *testing.T) {
	issuer := testIssuer(t)
	issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	raw, err := issuer.Access(testUser(), "")
	require.NoError(t, err)

	issuer.now = time.Now
	_, err = issuer.Parse(raw, PurposeAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	a := testIssuer(t)
	b, err := NewIssuer(IssuerConfig{Secret: "a-different-secret-entirely"})
	require.NoError(t, err)

	raw, err := a.Access(testUser(), "")
	require.NoError(t, err)
	_, err = b.Parse(raw, PurposeAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestFingerprintRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	r.Header.Set("User-Agent", "ua")

	direct := FingerprintRequest(r)
	assert.Equal(t, Fingerprint("203.0.113.7", "ua", ""), direct)

	r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")
	assert.Equal(t, Fingerprint("198.51.100.9", "ua", ""), FingerprintRequest(r))

	r.Header.Set("X-Device-Id", "device-1")
	assert.Equal(t, Fingerprint("198.51.100.9", "ua", "device-1"), FingerprintRequest(r))
}

func TestCookiePolicy(t *testing.T) {
	p := NewCookiePolicy(true, "", 8*time.Hour, 30*24*time.Hour)

	access := p.AccessCookie("tok")
	assert.True(t, access.HttpOnly)
	assert.True(t, access.Secure)
	assert.Equal(t, 0, access.MaxAge, "access cookie is session scoped")

	short := p.RefreshCookie("tok", false)
	long := p.RefreshCookie("tok", true)
	assert.Equal(t, int((8 * time.Hour).Seconds()), short.MaxAge)
	assert.Equal(t, int((30 * 24 * time.Hour).Seconds()), long.MaxAge)
	assert.Equal(t, "/auth/refresh", short.Path)

	for _, c := range p.ClearCookies() {
		assert.Equal(t, -1, c.MaxAge)
		assert.Empty(t, c.Value)
	}
}
