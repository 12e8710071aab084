package session

import (
	"net/http"
	"time"
)

const (
	AccessCookieName  = "authcore_session"
	RefreshCookieName = "authcore_refresh"
)

// CookiePolicy shapes the session cookies. Secure is off only for local
// development; SameSite stays Lax so SSO redirect callbacks still carry
// the cookie.
type CookiePolicy struct {
	Secure      bool
	Domain      string
	SessionTTL  time.Duration
	RememberTTL time.Duration
}

func NewCookiePolicy(secure bool, domain string, sessionTTL, rememberTTL time.Duration) CookiePolicy {
	if sessionTTL <= 0 {
		sessionTTL = defaultRefreshTTL
	}
	if rememberTTL <= 0 {
		rememberTTL = defaultRememberTTL
	}
	return CookiePolicy{Secure: secure, Domain: domain, SessionTTL: sessionTTL, RememberTTL: rememberTTL}
}

// AccessCookie wraps an access token. No Max-Age: the cookie lives for
// the browser session and the JWT expiry does the real enforcement.
func (p CookiePolicy) AccessCookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     AccessCookieName,
		Value:    token,
		Path:     "/",
		Domain:   p.Domain,
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// RefreshCookie wraps a refresh token, scoped to the refresh endpoint.
func (p CookiePolicy) RefreshCookie(token string, remember bool) *http.Cookie {
	ttl := p.SessionTTL
	if remember {
		ttl = p.RememberTTL
	}
	return &http.Cookie{
		Name:     RefreshCookieName,
		Value:    token,
		Path:     "/auth/refresh",
		Domain:   p.Domain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookies returns expired copies of both cookies for logout.
func (p CookiePolicy) ClearCookies() []*http.Cookie {
	expire := func(name, path string) *http.Cookie {
		return &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     path,
			Domain:   p.Domain,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   p.Secure,
			SameSite: http.SameSiteLaxMode,
		}
	}
	return []*http.Cookie{
		expire(AccessCookieName, "/"),
		expire(RefreshCookieName, "/auth/refresh"),
	}
}
