package login

import (
	"errors"
	"fmt"
)

// Sentinel errors for the login flow. ErrInvalidCredential deliberately
// covers unknown email, wrong password and disabled accounts: all three
// must be indistinguishable to the caller so the endpoint cannot be
// used for account enumeration. The audit trail records the real reason.
var (
	ErrInvalidCredential    = errors.New("invalid email or password")
	ErrTenantMismatch       = errors.New("account does not belong to the requested tenant")
	ErrInvalidMfaCode       = errors.New("invalid verification code")
	ErrInvalidRotationToken = errors.New("rotation token is invalid or expired")
	ErrTenantUnresolved     = errors.New("no tenant could be resolved for this identity")
	ErrProviderUnavailable  = errors.New("authentication failed")
	ErrConfiguration        = errors.New("authentication service is misconfigured")
	ErrValidation           = errors.New("invalid request")
)

// errAccountDisabled wraps ErrInvalidCredential so errors.Is still
// matches the generic failure while the internal reason survives for
// auditing.
var errAccountDisabled = fmt.Errorf("%w (account disabled)", ErrInvalidCredential)
