package mfa

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnrollAndVerify(t *testing.T) {
	e := NewEngine("authcore-test")

	enr, err := e.Enroll()
	require.NoError(t, err)
	assert.NotEmpty(t, enr.Secret)
	assert.Len(t, enr.CurrentCode, 6)

	now := time.Now()
	assert.True(t, e.Verify(enr.Secret, enr.CurrentCode, now))
}

func TestVerifyClockDrift(t *testing.T) {
	e := NewEngine("authcore-test")
	enr, err := e.Enroll()
	require.NoError(t, err)

	now := time.Now()
	code, err := e.codeAt(enr.Secret, now)
	require.NoError(t, err)

	// One step either side is accepted; two steps are not.
	assert.True(t, e.Verify(enr.Secret, code, now.Add(time.Duration(e.period())*time.Second)))
	assert.True(t, e.Verify(enr.Secret, code, now.Add(-time.Duration(e.period())*time.Second)))
	assert.False(t, e.Verify(enr.Secret, code, now.Add(3*time.Duration(e.period())*time.Second)))
}

func TestVerifyRejectsGarbage(t *testing.T) {
	e := NewEngine("authcore-test")
	enr, err := e.Enroll()
	require.NoError(t, err)

	now := time.Now()
	assert.False(t, e.Verify(enr.Secret, "", now))
	assert.False(t, e.Verify(enr.Secret, "12345", now))
	assert.False(t, e.Verify(enr.Secret, "abcdef", now))
	assert.False(t, e.Verify("", "123456", now))
	assert.False(t, e.Verify("not-base32!!", "123456", now))
}

func TestVerifyWrongSecret(t *testing.T) {
	e := NewEngine("authcore-test")
	a, err := e.Enroll()
	require.NoError(t, err)
	b, err := e.Enroll()
	require.NoError(t, err)

	now := time.Now()
	codeA, err := e.codeAt(a.Secret, now)
	require.NoError(t, err)
	assert.False(t, e.Verify(b.Secret, codeA, now))
}

func TestProvisionURI(t *testing.T) {
	e := NewEngine("OpsMaint")
	uri := e.ProvisionURI("JBSWY3DPEHPK3PXP", "tech@plant.example.com")
	assert.Contains(t, uri, "otpauth://totp/OpsMaint:tech%40plant.example.com")
	assert.Contains(t, uri, "secret=JBSWY3DPEHPK3PXP")
	assert.Contains(t, uri, "issuer=OpsMaint")
	assert.Contains(t, uri, "digits=6")
}

func TestPolicyRequiredAtLogin(t *testing.T) {
	tests := []struct {
		name       string
		policy     Policy
		mfaEnabled bool
		want       bool
	}{
		{"optional, not enrolled", Policy{}, false, false},
		{"optional, enrolled", Policy{}, true, true},
		{"enforced, not enrolled", Policy{Enforced: true}, false, true},
		{"enforced, enrolled", Policy{Enforced: true}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.RequiredAtLogin(tt.mfaEnabled))
		})
	}
}

func TestPolicyEnrollOnProvision(t *testing.T) {
	enforced := Policy{Enforced: true}
	trusted := Policy{Enforced: true, SSOTrustedSecondFactor: true}

	assert.True(t, enforced.EnrollOnProvision(true, false))
	assert.False(t, enforced.EnrollOnProvision(true, true), "skipMFA override wins")
	assert.False(t, trusted.EnrollOnProvision(true, false), "SSO exemption must be the explicit policy field")
	assert.True(t, trusted.EnrollOnProvision(false, false), "local accounts still enforced")
	assert.False(t, Policy{}.EnrollOnProvision(false, false))
}
