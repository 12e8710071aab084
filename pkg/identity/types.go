// Package identity owns the user record and its provisioning lifecycle.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// User is the account record consumed by the login flows. It is created by
// registration or by JIT provisioning, mutated only through the login,
// MFA and rotation paths, and never hard-deleted.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`

	// PasswordHash is empty for SSO-only accounts until a random
	// placeholder is assigned; a legacy plaintext value may appear
	// transiently and is upgraded on first successful login.
	PasswordHash string `json:"-"`

	TenantID   string `json:"tenant_id,omitempty"`
	SiteID     string `json:"site_id,omitempty"`
	EmployeeID string `json:"employee_id,omitempty"`

	// Roles is never empty once provisioned; provisioning assigns a
	// deterministic fallback when no claim maps.
	Roles []string `json:"roles"`

	MFASecret  string `json:"-"`
	MFAEnabled bool   `json:"mfa_enabled"`

	Active bool `json:"active"`

	// TokenVersion invalidates all previously issued tokens when it
	// advances; incremented on logout and forced rotation.
	TokenVersion int64 `json:"-"`

	PasswordExpired  bool `json:"password_expired,omitempty"`
	BootstrapAccount bool `json:"bootstrap_account,omitempty"`

	InviteTokenHash string     `json:"-"`
	InviteExpiresAt *time.Time `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// Sanitized returns a copy safe to serialize in API responses: secret
// material blanked, everything else intact.
func (u *User) Sanitized() User {
	out := *u
	out.PasswordHash = ""
	out.MFASecret = ""
	out.InviteTokenHash = ""
	out.InviteExpiresAt = nil
	return out
}

// HasRole reports whether the user carries the given canonical role.
func (u *User) HasRole(role string) bool {
	role = strings.ToLower(role)
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// NormalizeEmail lowercases and trims an email address; all store lookups
// and uniqueness checks use the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashInviteToken derives the stored form of an invite token. Only the
// hash is persisted; the raw token travels once, in the invite itself.
func HashInviteToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Store errors.
var (
	// ErrDuplicateEmail is returned by Create when the normalized email
	// already exists within the tenant.
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrNotFound is returned by lookups that require an existing user.
	ErrNotFound = errors.New("user not found")
)
