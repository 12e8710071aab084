package session

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Fingerprint hashes the client attributes a token is bound to. Any of
// the inputs may be empty; the hash still changes when one of them does.
func Fingerprint(ip, userAgent, deviceID string) string {
	sum := sha256.Sum256([]byte(ip + "|" + userAgent + "|" + deviceID))
	return hex.EncodeToString(sum[:])
}

// BindingValid compares two fingerprints in constant time.
func BindingValid(expected, actual string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}

// FingerprintRequest derives the fingerprint for an incoming request.
// The optional X-Device-Id header lets native clients survive IP churn
// detection on their own terms.
func FingerprintRequest(r *http.Request) string {
	return Fingerprint(ClientIP(r), r.UserAgent(), r.Header.Get("X-Device-Id"))
}

// ClientIP extracts the originating address, honoring the first entry
// of X-Forwarded-For when a proxy sits in front.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
