package mfa

// Policy controls when MFA gates token issuance.
type Policy struct {
	// Enforced requires every user to have a verified MFA enrollment
	// before a session token is issued.
	Enforced bool

	// SSOTrustedSecondFactor exempts SSO-provisioned users from local MFA
	// enrollment: the upstream identity provider is treated as the second
	// factor. Exemption is only ever granted through this field, never
	// inferred from the login path.
	SSOTrustedSecondFactor bool
}

// RequiredAtLogin reports whether the login must divert to MFA verification
// before a token is issued.
func (p Policy) RequiredAtLogin(mfaEnabled bool) bool {
	return mfaEnabled || p.Enforced
}

// EnrollOnProvision reports whether a JIT-provisioned account starts with
// MFA enabled. skipMFA is the caller's per-identity override.
func (p Policy) EnrollOnProvision(ssoProvisioned, skipMFA bool) bool {
	if skipMFA {
		return false
	}
	if ssoProvisioned && p.SSOTrustedSecondFactor {
		return false
	}
	return p.Enforced
}
