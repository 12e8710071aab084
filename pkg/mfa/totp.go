// Package mfa implements time-based one-time-password enrollment and
// verification together with the enforcement policy applied at login.
package mfa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

const (
	secretBytes   = 20
	defaultPeriod = 30
	defaultDigits = 6
	// DefaultSkew accepts one step of clock drift either side.
	DefaultSkew = 1
)

// Engine generates and verifies TOTP codes.
type Engine struct {
	Issuer string
	Period int
	Digits int
	Skew   int
}

// NewEngine returns an Engine with RFC 6238 defaults.
func NewEngine(issuer string) *Engine {
	return &Engine{
		Issuer: issuer,
		Period: defaultPeriod,
		Digits: defaultDigits,
		Skew:   DefaultSkew,
	}
}

// Enrollment is the result of a new MFA enrollment: the shared secret to
// persist (unverified) and the current code for the caller to display.
type Enrollment struct {
	Secret      string
	CurrentCode string
}

// Enroll generates a new base32 shared secret and the code valid right now.
// The caller stores the secret with mfaEnabled=false until a code is
// confirmed through Verify.
func (e *Engine) Enroll() (*Enrollment, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)

	code, err := e.codeAt(secret, time.Now())
	if err != nil {
		return nil, err
	}
	return &Enrollment{Secret: secret, CurrentCode: code}, nil
}

// Verify checks a submitted code against the secret, tolerating Skew steps
// of clock drift either side of now. Comparison is constant-time.
func (e *Engine) Verify(secret, code string, now time.Time) bool {
	if secret == "" || len(code) != e.digits() {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}

	base := now.Unix() / int64(e.period())
	for step := -e.skew(); step <= e.skew(); step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		generated, err := e.hotp(secret, counter)
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// ProvisionURI builds the otpauth:// URI encoded into enrollment QR codes.
func (e *Engine) ProvisionURI(secret, account string) string {
	label := url.PathEscape(e.Issuer + ":" + account)
	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", e.Issuer)
	v.Set("period", strconv.Itoa(e.period()))
	v.Set("digits", strconv.Itoa(e.digits()))
	v.Set("algorithm", "SHA1")
	return "otpauth://totp/" + label + "?" + v.Encode()
}

// Code returns the code valid for the secret at the given instant, for
// display alongside a fresh enrollment.
func (e *Engine) Code(secret string, now time.Time) (string, error) {
	return e.codeAt(secret, now)
}

func (e *Engine) codeAt(secret string, t time.Time) (string, error) {
	return e.hotp(secret, t.Unix()/int64(e.period()))
}

func (e *Engine) hotp(secret string, counter int64) (string, error) {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		return "", errors.New("malformed totp secret")
	}

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, key)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < e.digits(); i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", e.digits(), bin%mod), nil
}

func (e *Engine) period() int {
	if e.Period <= 0 {
		return defaultPeriod
	}
	return e.Period
}

func (e *Engine) digits() int {
	if e.Digits <= 0 {
		return defaultDigits
	}
	return e.Digits
}

func (e *Engine) skew() int {
	if e.Skew < 0 {
		return DefaultSkew
	}
	return e.Skew
}
