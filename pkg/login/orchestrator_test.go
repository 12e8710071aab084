package login

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsmaint/authcore/pkg/audit"
	"github.com/opsmaint/authcore/pkg/credentials"
	"github.com/opsmaint/authcore/pkg/federation"
	"github.com/opsmaint/authcore/pkg/identity"
	"github.com/opsmaint/authcore/pkg/mfa"
	"github.com/opsmaint/authcore/pkg/session"
	"github.com/opsmaint/authcore/pkg/tenant"
)

type recordedEvents struct {
	events []*audit.Event
}

func (r *recordedEvents) Log(_ context.Context, e *audit.Event) error {
	r.events = append(r.events, e)
	return nil
}
func (r *recordedEvents) Close() error { return nil }

func (r *recordedEvents) last() *audit.Event {
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

type fixture struct {
	store    *identity.MemStore
	engine   *mfa.Engine
	sessions *session.Issuer
	auditor  *recordedEvents
	orch     *Orchestrator
}

func newFixture(t *testing.T, policy mfa.Policy) *fixture {
	t.Helper()
	store := identity.NewMemStore()
	engine := mfa.NewEngine("authcore")
	sessions, err := session.NewIssuer(session.IssuerConfig{Secret: "test-secret-not-for-production"})
	require.NoError(t, err)
	resolver, err := tenant.NewResolver(tenant.NewMapDirectory(
		map[string]string{"plant.example.com": "tenant-1"},
		map[string]string{"https://idp.example.com": "tenant-1"},
	), 16)
	require.NoError(t, err)
	auditor := &recordedEvents{}

	orch := NewOrchestrator(
		store,
		identity.NewProvisioner(store, policy),
		resolver,
		engine,
		policy,
		sessions,
		auditor,
		nil,
	)
	return &fixture{store: store, engine: engine, sessions: sessions, auditor: auditor, orch: orch}
}

func (f *fixture) seedUser(t *testing.T, password string, mutate func(*identity.User)) *identity.User {
	t.Helper()
	hash, err := credentials.Hash(password)
	require.NoError(t, err)
	u := &identity.User{
		ID:           "u-1",
		Email:        "tech@plant.example.com",
		Name:         "Pat",
		PasswordHash: hash,
		TenantID:     "tenant-1",
		SiteID:       "site-1",
		Roles:        []string{"technician"},
		Active:       true,
	}
	if mutate != nil {
		mutate(u)
	}
	require.NoError(t, f.store.Create(context.Background(), u))
	return u
}

func TestLoginSuccessIssuesVerifiableToken(t *testing.T) {
	f := newFixture(t, mfa.Policy{})
	f.seedUser(t, "correct horse", nil)
	ctx := context.Background()

	out, err := f.orch.Login(ctx, Request{
		Email:    "Tech@Plant.Example.Com",
		Password: "correct horse",
		Binding:  session.Fingerprint("203.0.113.7", "ua", ""),
	})
	require.NoError(t, err)
	require.Equal(t, StateIssued, out.State)
	require.NotEmpty(t, out.AccessToken)
	require.NotEmpty(t, out.RefreshToken)

	claims, err := f.sessions.Parse(out.AccessToken, session.PurposeAccess)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, []string{"technician"}, claims.Roles)

	last := f.auditor.last()
	require.NotNil(t, last)
	assert.Equal(t, audit.ActionLogin, last.Action)
	assert.Equal(t, audit.StatusSuccess, last.Status)

	stored, err := f.store.FindByID(ctx, "u-1")
	require.NoError(t, err)
	assert.NotNil(t, stored.LastLoginAt)
}

func TestLoginUnknownAndDisabledSurfaceIdentically(t *testing.T) {
	f := newFixture(t, mfa.Policy{})
	f.seedUser(t, "correct horse", func(u *identity.User) { u.Active = false })
	ctx := context.Background()

	_, errUnknown := f.orch.Login(ctx, Request{Email: "nobody@plant.example.com", Password: "whatever1"})
	_, errDisabled := f.orch.Login(ctx, Request{Email: "tech@plant.example.com", Password: "correct horse"})

	assert.ErrorIs(t, errUnknown, ErrInvalidCredential)
	assert.ErrorIs(t, errDisabled, ErrInvalidCredential)
	// The audit trail still tells the two cases apart.
	assert.Equal(t, "unknown email", f.auditor.events[0].Reason)
	assert.Equal(t, "account disabled", f.auditor.events[1].Reason)
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFixture(t, mfa.Policy{})
	f.seedUser(t, "correct horse", nil)

	_, err := f.orch.Login(context.Background(), Request{Email: "tech@plant.example.com", Password: "battery staple"})
	assert.ErrorIs(t, err, ErrInvalidCredential)
	assert.Equal(t, audit.ActionLoginFailed, f.auditor.last().Action)
}

func TestLoginTenantHintMismatch(t *testing.T) {
	f := newFixture(t, mfa.Policy{})
	f.seedUser(t, "correct horse", nil)

	_, err := f.orch.Login(context.Background(), Request{
		Email:      "tech@plant.example.com",
		Password:   "correct horse",
		TenantHint: "tenant-2",
	})
	assert.ErrorIs(t, err, ErrTenantMismatch)
}

func TestLoginUpgradesLegacyPlaintextHash(t *testing.T) {
	f := newFixture(t, mfa.Policy{})
	f.seedUser(t, "placeholder", func(u *identity.User) {
		u.PasswordHash = "legacy-plaintext" // pre-migration record
	})
	ctx := context.Background()

	out, err := f.orch.Login(ctx, Request{Email: "tech@plant.example.com", Password: "legacy-plaintext"})
	require.NoError(t, err)
	assert.Equal(t, StateIssued, out.State)

	stored, err := f.store.FindByID(ctx, "u-1")
	require.NoError(t, err)
	assert.NotEqual(t, "legacy-plaintext", stored.PasswordHash)
	assert.True(t, credentials.Verify(stored.PasswordHash, "legacy-plaintext").Valid)
	assert.False(t, credentials.Verify(stored.PasswordHash, "legacy-plaintext").NeedsUpgrade)
}

func TestLoginMFARequiredWhenEnabled(t *testing.T) {
	f := newFixture(t, mfa.Policy{})
	enrollment, err := f.engine.Enroll()
	require.NoError(t, err)
	f.seedUser(t, "correct horse", func(u *identity.User) {
		u.MFASecret = enrollment.Secret
		u.MFAEnabled = true
	})

	out, err := f.orch.Login(context.Background(), Request{Email: "tech@plant.example.com", Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, StateMFARequired, out.State)
	assert.Empty(t, out.AccessToken)
	assert.Equal(t, audit.StatusPending, f.auditor.last().Status)
}

func TestLoginMFARequiredByEnforcementPolicy(t *testing.T) {
	f := newFixture(t, mfa.Policy{Enforced: true})
	f.seedUser(t, "correct horse", nil) // no MFA enrolled

	out, err := f.orch.Login(context.Background(), Request{Email: "tech@plant.example.com", Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, StateMFARequired, out.State)
}

func TestVerifyMFACompletesLogin(t *testing.T) {
	f := newFixture(t, mfa.Policy{})
	enrollment, err := f.engine.Enroll()
	require.NoError(t, err)
	f.seedUser(t, "correct horse", func(u *identity.User) {
		u.MFASecret = enrollment.Secret
		u.MFAEnabled = true
	})
	ctx := context.Background()

	_, err = f.orch.VerifyMFA(ctx, "u-1", "000000", Request{})
	assert.ErrorIs(t, err, ErrInvalidMfaCode)

	code, err := f.engine.Code(enrollment.Secret, time.Now())
	require.NoError(t, err)
	out, err := f.orch.VerifyMFA(ctx, "u-1", code, Request{Remember: true})
	require.NoError(t, err)
	assert.Equal(t, StateIssued, out.State)
	assert.NotEmpty(t, out.AccessToken)
}

func TestVerifyMFAConfirmsEnrollment(t *testing.T) {
	f := newFixture(t, mfa.Policy{Enforced: true})
	f.seedUser(t, "correct horse", nil)
	ctx := context.Background()

	enrollment, err := f.orch.SetupMFA(ctx, "u-1")
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.Secret)

	code, err := f.engine.Code(enrollment.Secret, time.Now())
	require.NoError(t, err)
	out, err := f.orch.VerifyMFA(ctx, "u-1", code, Request{})
	require.NoError(t, err)
	assert.Equal(t, StateIssued, out.State)

	stored, err := f.store.FindByID(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, stored.MFAEnabled, "first verification confirms enrollment")
}

func TestBootstrapRotationFlow(t *testing.T) {
	f := newFixture(t, mfa.Policy{})
	f.seedUser(t, "initial password", func(u *identity.User) { u.BootstrapAccount = true })
	ctx := context.Background()

	out, err := f.orch.Login(ctx, Request{Email: "tech@plant.example.com", Password: "initial password"})
	require.NoError(t, err)
	require.Equal(t, StateRotationRequired, out.State)
	require.NotEmpty(t, out.RotationToken)
	require.NotEmpty(t, out.MFASecret, "a secret is enrolled for accounts without one")
	assert.Empty(t, out.AccessToken, "no session token before rotation")

	// An old refresh token issued before rotation.
	oldRefresh, err := f.sessions.Refresh(out.User, "", false)
	require.NoError(t, err)

	code, err := f.engine.Code(out.MFASecret, time.Now())
	require.NoError(t, err)
	rotated, err := f.orch.Rotate(ctx, out.RotationToken, "a new password", code, Request{})
	require.NoError(t, err)
	assert.False(t, rotated.BootstrapAccount)
	assert.False(t, rotated.PasswordExpired)
	assert.True(t, rotated.MFAEnabled)
	assert.Equal(t, int64(1), rotated.TokenVersion)

	_, err = f.orch.Refresh(ctx, oldRefresh, "", Request{})
	assert.ErrorIs(t, err, ErrInvalidCredential, "pre-rotation tokens no longer refresh")

	// The rotation token is single-use: the version bump invalidates it.
	code, err = f.engine.Code(out.MFASecret, time.Now())
	require.NoError(t, err)
	_, err = f.orch.Rotate(ctx, out.RotationToken, "another password", code, Request{})
	assert.ErrorIs(t, err, ErrInvalidRotationToken)
}

func TestRotateRejectsBadInputs(t *testing.T) {
	f := newFixture(t, mfa.Policy{})
	f.seedUser(t, "initial password", func(u *identity.User) { u.PasswordExpired = true })
	ctx := context.Background()

	out, err := f.orch.Login(ctx, Request{Email: "tech@plant.example.com", Password: "initial password"})
	require.NoError(t, err)
	require.Equal(t, StateRotationRequired, out.State)

	_, err = f.orch.Rotate(ctx, "garbage-token", "a new password", "123456", Request{})
	assert.ErrorIs(t, err, ErrInvalidRotationToken)

	_, err = f.orch.Rotate(ctx, out.RotationToken, "a new password", "000000", Request{})
	assert.ErrorIs(t, err, ErrInvalidMfaCode)

	code, err := f.engine.Code(out.MFASecret, time.Now())
	require.NoError(t, err)
	_, err = f.orch.Rotate(ctx, out.RotationToken, "short", code, Request{})
	assert.ErrorIs(t, err, ErrValidation, "password policy still applies during rotation")
}

func TestRefreshHonorsBinding(t *testing.T) {
	f := newFixture(t, mfa.Policy{})
	f.seedUser(t, "correct horse", nil)
	ctx := context.Background()
	binding := session.Fingerprint("203.0.113.7", "ua", "")

	out, err := f.orch.Login(ctx, Request{Email: "tech@plant.example.com", Password: "correct horse", Binding: binding})
	require.NoError(t, err)

	refreshed, err := f.orch.Refresh(ctx, out.RefreshToken, binding, Request{})
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)

	other := session.Fingerprint("198.51.100.9", "ua", "")
	_, err = f.orch.Refresh(ctx, out.RefreshToken, other, Request{})
	assert.ErrorIs(t, err, ErrInvalidCredential, "replay from a different origin is rejected")
}

func TestLogoutInvalidatesOutstandingTokens(t *testing.T) {
	f := newFixture(t, mfa.Policy{})
	f.seedUser(t, "correct horse", nil)
	ctx := context.Background()

	out, err := f.orch.Login(ctx, Request{Email: "tech@plant.example.com", Password: "correct horse"})
	require.NoError(t, err)

	require.NoError(t, f.orch.Logout(ctx, "u-1", Request{}))
	_, err = f.orch.Refresh(ctx, out.RefreshToken, "", Request{})
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestRegister(t *testing.T) {
	f := newFixture(t, mfa.Policy{})
	ctx := context.Background()

	u, err := f.orch.Register(ctx, RegisterInput{
		Name:       "Pat",
		Email:      "New@Plant.Example.Com",
		Password:   "a new password",
		TenantID:   "tenant-1",
		EmployeeID: "emp-42",
	}, Request{})
	require.NoError(t, err)
	assert.Equal(t, "new@plant.example.com", u.Email)
	assert.Equal(t, []string{"viewer"}, u.Roles, "self-registration is least privilege")
	assert.Equal(t, "emp-42", u.EmployeeID)

	_, err = f.orch.Register(ctx, RegisterInput{
		Name: "Pat", Email: "new@plant.example.com", Password: "a new password",
	}, Request{})
	assert.ErrorIs(t, err, ErrValidation, "duplicate email")

	_, err = f.orch.Register(ctx, RegisterInput{Name: "X", Email: "x@y.com", Password: "short"}, Request{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFederatedLoginProvisionsAndIssues(t *testing.T) {
	f := newFixture(t, mfa.Policy{SSOTrustedSecondFactor: true})
	ctx := context.Background()

	out, err := f.orch.FederatedLogin(ctx, &federation.Identity{
		Protocol: federation.ProtocolSAML,
		Provider: "tenant-1",
		Email:    "new.tech@plant.example.com",
		Name:     "New Tech",
		Roles:    []string{"technician"},
		RawClaims: map[string]interface{}{
			"siteId": "site-9",
		},
	}, "", Request{})
	require.NoError(t, err)
	require.Equal(t, StateIssued, out.State)

	claims, err := f.sessions.Parse(out.AccessToken, session.PurposeAccess)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", claims.TenantID, "tenant resolved from email domain")
	assert.Equal(t, "site-9", claims.SiteID, "site resolved from provider claim")

	// Second login with the same identity reuses the record.
	again, err := f.orch.FederatedLogin(ctx, &federation.Identity{
		Protocol: federation.ProtocolSAML,
		Provider: "tenant-1",
		Email:    "new.tech@plant.example.com",
	}, "", Request{})
	require.NoError(t, err)
	assert.Equal(t, out.User.ID, again.User.ID)
}

func TestFederatedLoginMissingEmail(t *testing.T) {
	f := newFixture(t, mfa.Policy{})
	_, err := f.orch.FederatedLogin(context.Background(), &federation.Identity{
		Protocol: federation.ProtocolOIDC,
		Provider: "corp-idp",
	}, "https://idp.example.com", Request{})
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestFederatedLoginUnresolvableTenant(t *testing.T) {
	f := newFixture(t, mfa.Policy{})
	_, err := f.orch.FederatedLogin(context.Background(), &federation.Identity{
		Protocol: federation.ProtocolOIDC,
		Provider: "corp-idp",
		Email:    "tech@unmapped.example.org",
	}, "https://unknown.example.org", Request{})
	assert.ErrorIs(t, err, ErrTenantUnresolved)
}

func TestAcceptInviteEntersRotationFlow(t *testing.T) {
	f := newFixture(t, mfa.Policy{})
	expires := time.Now().Add(time.Hour)
	f.seedUser(t, "placeholder", func(u *identity.User) {
		u.InviteTokenHash = identity.HashInviteToken("invite-raw-token")
		u.InviteExpiresAt = &expires
	})
	ctx := context.Background()

	out, err := f.orch.AcceptInvite(ctx, "tech@plant.example.com", "invite-raw-token", Request{})
	require.NoError(t, err)
	require.Equal(t, StateRotationRequired, out.State)
	require.NotEmpty(t, out.RotationToken)
	require.NotEmpty(t, out.MFASecret)

	code, err := f.engine.Code(out.MFASecret, time.Now())
	require.NoError(t, err)
	rotated, err := f.orch.Rotate(ctx, out.RotationToken, "a chosen password", code, Request{})
	require.NoError(t, err)
	assert.Empty(t, rotated.InviteTokenHash, "invite is consumed by rotation")
	assert.Nil(t, rotated.InviteExpiresAt)

	_, err = f.orch.AcceptInvite(ctx, "tech@plant.example.com", "invite-raw-token", Request{})
	assert.ErrorIs(t, err, ErrInvalidRotationToken, "consumed invite no longer redeems")
}

func TestAcceptInviteRejectsBadTokens(t *testing.T) {
	f := newFixture(t, mfa.Policy{})
	expired := time.Now().Add(-time.Hour)
	f.seedUser(t, "placeholder", func(u *identity.User) {
		u.InviteTokenHash = identity.HashInviteToken("invite-raw-token")
		u.InviteExpiresAt = &expired
	})
	ctx := context.Background()

	_, err := f.orch.AcceptInvite(ctx, "tech@plant.example.com", "wrong-token", Request{})
	assert.ErrorIs(t, err, ErrInvalidRotationToken)

	_, err = f.orch.AcceptInvite(ctx, "tech@plant.example.com", "invite-raw-token", Request{})
	assert.ErrorIs(t, err, ErrInvalidRotationToken, "expired invites do not redeem")

	_, err = f.orch.AcceptInvite(ctx, "nobody@plant.example.com", "invite-raw-token", Request{})
	assert.ErrorIs(t, err, ErrInvalidRotationToken)
}

func TestVerifyMFADoesNotLiftPendingRotation(t *testing.T) {
	f := newFixture(t, mfa.Policy{})
	f.seedUser(t, "initial password", func(u *identity.User) { u.BootstrapAccount = true })
	ctx := context.Background()

	out, err := f.orch.Login(ctx, Request{Email: "tech@plant.example.com", Password: "initial password"})
	require.NoError(t, err)
	require.Equal(t, StateRotationRequired, out.State)
	require.NotEmpty(t, out.MFASecret)

	// The enrolled secret travels in the rotation response, so a valid
	// code for it must not shortcut past the rotation step.
	code, err := f.engine.Code(out.MFASecret, time.Now())
	require.NoError(t, err)
	bypassed, err := f.orch.VerifyMFA(ctx, out.User.ID, code, Request{})
	require.NoError(t, err)
	assert.Equal(t, StateRotationRequired, bypassed.State)
	assert.Empty(t, bypassed.AccessToken)
	assert.Empty(t, bypassed.RefreshToken)
	require.NotEmpty(t, bypassed.RotationToken)

	// Rotating through the re-issued token clears the flags, after
	// which MFA verification issues a session as usual.
	code, err = f.engine.Code(out.MFASecret, time.Now())
	require.NoError(t, err)
	_, err = f.orch.Rotate(ctx, bypassed.RotationToken, "a new password", code, Request{})
	require.NoError(t, err)

	code, err = f.engine.Code(out.MFASecret, time.Now())
	require.NoError(t, err)
	issued, err := f.orch.VerifyMFA(ctx, "u-1", code, Request{})
	require.NoError(t, err)
	assert.Equal(t, StateIssued, issued.State)
	assert.NotEmpty(t, issued.AccessToken)
}
