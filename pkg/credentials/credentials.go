// Package credentials handles password hashing and verification with
// timing-attack mitigation and transparent legacy-hash upgrade.
package credentials

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is enforced on registration and rotation.
const MinPasswordLength = 8

// fakeHash is a precomputed bcrypt hash of a random value. Verify compares
// against it whenever the stored hash is absent so that the unknown-account
// path costs the same as a real mismatch. Skipping this comparison is a
// correctness bug, not an optimization.
const fakeHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// VerifyResult reports the outcome of a password check.
type VerifyResult struct {
	Valid bool
	// NeedsUpgrade is set when the stored value was legacy plaintext and
	// matched; the caller must re-hash and persist in the same transaction
	// as the login.
	NeedsUpgrade bool
}

// Hash produces a bcrypt hash of the given password.
func Hash(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify checks a candidate password against the stored hash.
//
// Three cases:
//   - stored hash absent: a dummy bcrypt comparison runs before returning
//     invalid, keeping latency indistinguishable from a real mismatch;
//   - stored value carries a bcrypt signature: normal bcrypt comparison;
//   - anything else is treated as legacy plaintext and compared in constant
//     time; a match signals NeedsUpgrade.
//
// Neither the candidate nor the stored value is ever logged.
func Verify(storedHash, candidate string) VerifyResult {
	if storedHash == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(fakeHash), []byte(candidate))
		return VerifyResult{}
	}

	if isBcrypt(storedHash) {
		err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(candidate))
		return VerifyResult{Valid: err == nil}
	}

	// Legacy plaintext pending upgrade.
	if subtle.ConstantTimeCompare([]byte(storedHash), []byte(candidate)) == 1 {
		return VerifyResult{Valid: true, NeedsUpgrade: true}
	}
	return VerifyResult{}
}

func isBcrypt(v string) bool {
	return strings.HasPrefix(v, "$2a$") ||
		strings.HasPrefix(v, "$2b$") ||
		strings.HasPrefix(v, "$2y$")
}

// RandomPlaceholderHash returns a bcrypt hash of a random value, used as the
// unusable password for SSO-only accounts. The plaintext is discarded.
func RandomPlaceholderHash() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate placeholder: %w", err)
	}
	b, err := bcrypt.GenerateFromPassword([]byte(base64.RawURLEncoding.EncodeToString(raw)), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
