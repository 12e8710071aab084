// Package session issues and verifies the JWTs that carry a login.
//
// Three token purposes exist: access tokens for API calls, refresh
// tokens for renewing a session, and short-lived rotation tokens that
// authorize nothing except completing a forced credential rotation.
// A purpose claim keeps them from being swapped for one another.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/opsmaint/authcore/pkg/identity"
)

const (
	PurposeAccess   = "access"
	PurposeRefresh  = "refresh"
	PurposeRotation = "rotation"
)

var (
	// ErrMissingSecret means the signing secret was never configured.
	// Callers must treat this as a server fault, not a client one.
	ErrMissingSecret = errors.New("session: signing secret is not configured")

	ErrTokenInvalid    = errors.New("session: token is invalid")
	ErrPurposeMismatch = errors.New("session: token presented for the wrong purpose")
	ErrStaleToken      = errors.New("session: token version has been superseded")
	ErrBindingMismatch = errors.New("session: token bound to a different client")
)

// Claims is the JWT payload for every token purpose.
type Claims struct {
	Email        string   `json:"email"`
	TenantID     string   `json:"tenantId,omitempty"`
	SiteID       string   `json:"siteId,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	TokenVersion int64    `json:"tokenVersion"`
	Binding      string   `json:"binding,omitempty"`
	Purpose      string   `json:"purpose"`
	jwt.RegisteredClaims
}

// Issuer signs and parses session tokens with a shared HMAC secret.
type Issuer struct {
	secret      []byte
	issuer      string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	rememberTTL time.Duration
	rotationTTL time.Duration

	now func() time.Time
}

// IssuerConfig carries the knobs an Issuer needs. Zero durations fall
// back to the defaults below.
type IssuerConfig struct {
	Secret      string
	Issuer      string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	RememberTTL time.Duration
	RotationTTL time.Duration
}

const (
	defaultAccessTTL   = 15 * time.Minute
	defaultRefreshTTL  = 8 * time.Hour
	defaultRememberTTL = 30 * 24 * time.Hour
	defaultRotationTTL = 15 * time.Minute
)

func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}
	i := &Issuer{
		secret:      []byte(cfg.Secret),
		issuer:      cfg.Issuer,
		accessTTL:   cfg.AccessTTL,
		refreshTTL:  cfg.RefreshTTL,
		rememberTTL: cfg.RememberTTL,
		rotationTTL: cfg.RotationTTL,
		now:         time.Now,
	}
	if i.issuer == "" {
		i.issuer = "authcore"
	}
	if i.accessTTL <= 0 {
		i.accessTTL = defaultAccessTTL
	}
	if i.refreshTTL <= 0 {
		i.refreshTTL = defaultRefreshTTL
	}
	if i.rememberTTL <= 0 {
		i.rememberTTL = defaultRememberTTL
	}
	if i.rotationTTL <= 0 {
		i.rotationTTL = defaultRotationTTL
	}
	return i, nil
}

// Access issues an access token bound to the client fingerprint.
func (i *Issuer) Access(u *identity.User, binding string) (string, error) {
	return i.sign(u, binding, PurposeAccess, i.accessTTL)
}

// Refresh issues a refresh token. remember stretches the lifetime for
// "keep me signed in" sessions.
func (i *Issuer) Refresh(u *identity.User, binding string, remember bool) (string, error) {
	ttl := i.refreshTTL
	if remember {
		ttl = i.rememberTTL
	}
	return i.sign(u, binding, PurposeRefresh, ttl)
}

// Rotation issues the short-lived token that gates the forced credential
// rotation flow. It carries no roles.
func (i *Issuer) Rotation(u *identity.User) (string, error) {
	stripped := *u
	stripped.Roles = nil
	return i.sign(&stripped, "", PurposeRotation, i.rotationTTL)
}

func (i *Issuer) sign(u *identity.User, binding, purpose string, ttl time.Duration) (string, error) {
	if len(i.secret) == 0 {
		return "", ErrMissingSecret
	}
	now := i.now().UTC()
	claims := Claims{
		Email:        u.Email,
		TenantID:     u.TenantID,
		SiteID:       u.SiteID,
		Roles:        u.Roles,
		TokenVersion: u.TokenVersion,
		Binding:      binding,
		Purpose:      purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    i.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", purpose, err)
	}
	return signed, nil
}

// Parse verifies signature and expiry and checks the token was issued
// for the given purpose.
func (i *Issuer) Parse(raw, purpose string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(i.issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Purpose != purpose {
		return nil, ErrPurposeMismatch
	}
	return claims, nil
}

// Validate checks a parsed token against the live user record: the
// token version must still be current, and the binding must match the
// presenting client when the token carries one.
func (i *Issuer) Validate(claims *Claims, u *identity.User, currentBinding string) error {
	if claims.TokenVersion != u.TokenVersion {
		return ErrStaleToken
	}
	if claims.Binding != "" && !BindingValid(claims.Binding, currentBinding) {
		return ErrBindingMismatch
	}
	return nil
}
