// Package federation adapts OAuth2, OIDC and SAML identity providers
// into one internal identity shape. Protocol quirks (callback argument
// arity, claim key spellings, assertion encodings) stay inside this
// package; everything downstream sees an Identity.
//
// Adapters never issue session tokens. They hand the Identity to the
// provisioning and session layers and stop there.
package federation

import (
	"errors"
	"fmt"
)

const (
	ProtocolOAuth2 = "oauth2"
	ProtocolOIDC   = "oidc"
	ProtocolSAML   = "saml"
)

var (
	// ErrMissingEmail means the provider response carried no usable
	// email address, so no local account can be matched or created.
	ErrMissingEmail = errors.New("federation: provider response contains no email address")

	// ErrUnsupportedProvider means no adapter is registered under the
	// requested name.
	ErrUnsupportedProvider = errors.New("federation: provider is not configured")

	// ErrProviderUnavailable covers upstream exchange failures. The
	// underlying cause is logged server-side; callers surface a generic
	// authentication failure.
	ErrProviderUnavailable = errors.New("federation: identity provider unavailable")
)

// Identity is the normalized result of any federated verification.
type Identity struct {
	Protocol   string
	Provider   string
	Subject    string
	Email      string
	Name       string
	Roles      []string
	RelayState string
	RawClaims  map[string]interface{}
}

func (id *Identity) Validate() error {
	if id.Email == "" {
		return ErrMissingEmail
	}
	return nil
}

// stringClaim pulls a string out of a claim map, tolerating absence.
func stringClaim(claims map[string]interface{}, key string) string {
	if v, ok := claims[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// groupClaim digs the role/group claim out of a claim map. Providers
// disagree on the key and some nest it one level down under "claims".
func groupClaim(claims map[string]interface{}) interface{} {
	keys := []string{"roles", "role", "groups", "group", "memberOf"}
	for _, k := range keys {
		if v, ok := claims[k]; ok {
			return v
		}
	}
	if nested, ok := claims["claims"].(map[string]interface{}); ok {
		for _, k := range keys {
			if v, ok := nested[k]; ok {
				return v
			}
		}
	}
	return nil
}

func wrapProviderErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, op, err)
}
