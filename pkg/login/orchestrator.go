// Package login sequences the authentication components per request: it
// owns the state machine that decides whether a login attempt ends in a
// token, a pending MFA or rotation step, or a rejection.
package login

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsmaint/authcore/pkg/audit"
	"github.com/opsmaint/authcore/pkg/credentials"
	"github.com/opsmaint/authcore/pkg/federation"
	"github.com/opsmaint/authcore/pkg/identity"
	"github.com/opsmaint/authcore/pkg/mfa"
	"github.com/opsmaint/authcore/pkg/roles"
	"github.com/opsmaint/authcore/pkg/session"
	"github.com/opsmaint/authcore/pkg/tenant"
)

// State is a terminal outcome of the login state machine.
type State string

const (
	StateIssued           State = "issued"
	StateMFARequired      State = "mfa_required"
	StateRotationRequired State = "rotation_required"
	StateRejected         State = "rejected"
)

// Request is one local login attempt.
type Request struct {
	Email      string
	Password   string
	TenantHint string
	Remember   bool

	// Client context captured by the HTTP layer for session binding
	// and the audit trail.
	Binding   string
	IP        string
	UserAgent string
	RequestID string
}

// Outcome is the result of a terminal state. Exactly one of the token
// fields or pending fields is populated depending on State.
type Outcome struct {
	State State
	User  *identity.User

	AccessToken  string
	RefreshToken string

	// Rotation pending.
	RotationToken string
	MFASecret     string
}

// Orchestrator wires the components together. It holds no per-request
// state; every method is safe for concurrent use.
type Orchestrator struct {
	store       identity.Store
	provisioner *identity.Provisioner
	resolver    *tenant.Resolver
	engine      *mfa.Engine
	policy      mfa.Policy
	sessions    *session.Issuer
	auditor     audit.Logger
	logger      *slog.Logger
	now         func() time.Time
}

func NewOrchestrator(
	store identity.Store,
	provisioner *identity.Provisioner,
	resolver *tenant.Resolver,
	engine *mfa.Engine,
	policy mfa.Policy,
	sessions *session.Issuer,
	auditor audit.Logger,
	logger *slog.Logger,
) *Orchestrator {
	if auditor == nil {
		auditor = audit.NewNopLogger()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:       store,
		provisioner: provisioner,
		resolver:    resolver,
		engine:      engine,
		policy:      policy,
		sessions:    sessions,
		auditor:     auditor,
		logger:      logger,
		now:         time.Now,
	}
}

// Login runs the local-credential state machine. The transitions check
// account, tenant match, credential, rotation flags and MFA in that
// order, short-circuiting on the first applicable outcome.
func (o *Orchestrator) Login(ctx context.Context, req Request) (*Outcome, error) {
	email := identity.NormalizeEmail(req.Email)

	u, err := o.store.FindByEmail(ctx, email)
	if err != nil {
		o.logger.ErrorContext(ctx, "user lookup failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: user store unavailable", ErrConfiguration)
	}

	// Unknown and disabled accounts burn the same bcrypt cost as a real
	// mismatch so response timing does not leak which case occurred.
	if u == nil {
		credentials.Verify("", req.Password)
		o.reject(ctx, req, nil, "unknown email")
		return nil, ErrInvalidCredential
	}
	if !u.Active {
		credentials.Verify("", req.Password)
		o.reject(ctx, req, u, "account disabled")
		return nil, errAccountDisabled
	}

	if req.TenantHint != "" && u.TenantID != "" && req.TenantHint != u.TenantID {
		o.reject(ctx, req, u, "tenant mismatch")
		return nil, ErrTenantMismatch
	}

	res := credentials.Verify(u.PasswordHash, req.Password)
	if !res.Valid {
		o.reject(ctx, req, u, "wrong password")
		return nil, ErrInvalidCredential
	}
	if res.NeedsUpgrade {
		if err := o.upgradeHash(ctx, u, req.Password); err != nil {
			// The login proceeds; the plaintext hash is upgraded on a
			// later attempt.
			o.logger.WarnContext(ctx, "legacy hash upgrade failed",
				slog.String("user_id", u.ID), slog.String("error", err.Error()))
		} else {
			o.audit(ctx, req, u, audit.ActionHashUpgrade, audit.StatusSuccess, "", nil)
		}
	}

	if u.PasswordExpired || u.BootstrapAccount {
		return o.beginRotation(ctx, req, u)
	}

	if o.policy.RequiredAtLogin(u.MFAEnabled) {
		o.audit(ctx, req, u, audit.ActionLogin, audit.StatusPending, "mfa required", nil)
		return &Outcome{State: StateMFARequired, User: u}, nil
	}

	return o.issue(ctx, req, u, audit.ActionLogin)
}

// VerifyMFA completes the pending MFA step of a login.
func (o *Orchestrator) VerifyMFA(ctx context.Context, userID, code string, req Request) (*Outcome, error) {
	u, err := o.activeUser(ctx, userID)
	if err != nil {
		o.reject(ctx, req, nil, "mfa verify for unusable account")
		return nil, err
	}
	if u.MFASecret == "" || !o.engine.Verify(u.MFASecret, code, o.now()) {
		o.audit(ctx, req, u, audit.ActionMFAVerifyFailed, audit.StatusFailure, "invalid code", nil)
		return nil, ErrInvalidMfaCode
	}
	if !u.MFAEnabled {
		// First successful verification confirms the enrollment.
		u.MFAEnabled = true
		if err := o.store.Save(ctx, u); err != nil {
			return nil, fmt.Errorf("%w: persisting mfa enrollment", ErrConfiguration)
		}
	}
	if u.PasswordExpired || u.BootstrapAccount {
		// A valid code proves possession of the secret but does not
		// lift a pending rotation. No session until the password has
		// been rotated.
		return o.beginRotation(ctx, req, u)
	}
	return o.issue(ctx, req, u, audit.ActionMFAVerify)
}

// SetupMFA enrolls a new secret for the user, stored unconfirmed until
// the first successful verification.
func (o *Orchestrator) SetupMFA(ctx context.Context, userID string) (*mfa.Enrollment, error) {
	u, err := o.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	enrollment, err := o.engine.Enroll()
	if err != nil {
		return nil, fmt.Errorf("%w: generating mfa secret", ErrConfiguration)
	}
	u.MFASecret = enrollment.Secret
	u.MFAEnabled = false
	if err := o.store.Save(ctx, u); err != nil {
		return nil, fmt.Errorf("%w: persisting mfa secret", ErrConfiguration)
	}
	o.audit(ctx, Request{}, u, audit.ActionMFASetup, audit.StatusSuccess, "", nil)
	return enrollment, nil
}

// Rotate completes the forced credential rotation sub-flow: the
// rotation token and a fresh MFA code must both validate before the new
// password is accepted. Success clears the rotation flags, forces MFA
// on and advances the token version so previously issued tokens die.
func (o *Orchestrator) Rotate(ctx context.Context, rotationToken, newPassword, mfaCode string, req Request) (*identity.User, error) {
	claims, err := o.sessions.Parse(rotationToken, session.PurposeRotation)
	if err != nil {
		o.audit(ctx, req, nil, audit.ActionRotationFailed, audit.StatusFailure, "bad rotation token", nil)
		return nil, ErrInvalidRotationToken
	}
	u, err := o.activeUser(ctx, claims.Subject)
	if err != nil {
		o.audit(ctx, req, nil, audit.ActionRotationFailed, audit.StatusFailure, "unusable account", nil)
		return nil, ErrInvalidRotationToken
	}
	if claims.TokenVersion != u.TokenVersion {
		o.audit(ctx, req, u, audit.ActionRotationFailed, audit.StatusFailure, "stale rotation token", nil)
		return nil, ErrInvalidRotationToken
	}
	if u.MFASecret == "" || !o.engine.Verify(u.MFASecret, mfaCode, o.now()) {
		o.audit(ctx, req, u, audit.ActionRotationFailed, audit.StatusFailure, "invalid mfa code", nil)
		return nil, ErrInvalidMfaCode
	}

	hash, err := credentials.Hash(newPassword)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	u.PasswordHash = hash
	u.PasswordExpired = false
	u.BootstrapAccount = false
	u.MFAEnabled = true
	u.InviteTokenHash = ""
	u.InviteExpiresAt = nil
	if err := o.store.Save(ctx, u); err != nil {
		return nil, fmt.Errorf("%w: persisting rotated credential", ErrConfiguration)
	}
	v, err := o.store.IncrementTokenVersion(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: advancing token version", ErrConfiguration)
	}
	u.TokenVersion = v

	o.audit(ctx, req, u, audit.ActionRotation, audit.StatusSuccess, "", map[string]interface{}{
		"token_version": v,
	})
	return u, nil
}

// AcceptInvite exchanges a valid invite token for the credential
// rotation flow: the caller receives a rotation token and MFA secret
// and finishes through Rotate, the same way bootstrap accounts do. The
// invite fields are cleared when the rotation completes.
func (o *Orchestrator) AcceptInvite(ctx context.Context, email, inviteToken string, req Request) (*Outcome, error) {
	u, err := o.store.FindByEmail(ctx, identity.NormalizeEmail(email))
	if err != nil {
		o.logger.ErrorContext(ctx, "user lookup failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: user store unavailable", ErrConfiguration)
	}
	if u == nil || !u.Active || u.InviteTokenHash == "" {
		o.audit(ctx, req, u, audit.ActionRotationFailed, audit.StatusFailure, "invalid invite token", nil)
		return nil, ErrInvalidRotationToken
	}
	if subtle.ConstantTimeCompare([]byte(u.InviteTokenHash), []byte(identity.HashInviteToken(inviteToken))) != 1 {
		o.audit(ctx, req, u, audit.ActionRotationFailed, audit.StatusFailure, "invalid invite token", nil)
		return nil, ErrInvalidRotationToken
	}
	if u.InviteExpiresAt != nil && o.now().After(*u.InviteExpiresAt) {
		o.audit(ctx, req, u, audit.ActionRotationFailed, audit.StatusFailure, "invite expired", nil)
		return nil, ErrInvalidRotationToken
	}
	return o.beginRotation(ctx, req, u)
}

// FederatedLogin converges a verified external identity on the same
// issue path as local logins: resolve tenant, provision, issue.
func (o *Orchestrator) FederatedLogin(ctx context.Context, id *federation.Identity, issuer string, req Request) (*Outcome, error) {
	if err := id.Validate(); err != nil {
		o.auditFederated(ctx, req, id, audit.StatusFailure, "missing email")
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	email := identity.NormalizeEmail(id.Email)

	existing, err := o.store.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("%w: user store unavailable", ErrConfiguration)
	}
	var userTenant, userSite string
	if existing != nil {
		userTenant = existing.TenantID
		userSite = existing.SiteID
	}

	tenantID, err := o.resolver.ResolveTenant(ctx, userTenant, email, issuer)
	if err != nil {
		// SAML ACS routes carry the tenant in the path; that binding is
		// authoritative when nothing else resolves.
		if req.TenantHint == "" {
			o.auditFederated(ctx, req, id, audit.StatusFailure, "tenant unresolved")
			return nil, fmt.Errorf("%w: %v", ErrTenantUnresolved, err)
		}
		tenantID = req.TenantHint
	}
	if req.TenantHint != "" && tenantID != req.TenantHint {
		o.auditFederated(ctx, req, id, audit.StatusFailure, "tenant mismatch")
		return nil, ErrTenantMismatch
	}
	siteID := tenant.ResolveSite(userSite, id.RawClaims)

	u, created, err := o.provisioner.Provision(ctx, identity.ProvisionInput{
		TenantID: tenantID,
		Email:    email,
		Name:     id.Name,
		SiteID:   siteID,
		Roles:    id.Roles,
	}, identity.ProvisionOptions{Force: true})
	if err != nil {
		o.auditFederated(ctx, req, id, audit.StatusFailure, "provisioning failed")
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if !u.Active {
		o.auditFederated(ctx, req, id, audit.StatusDenied, "account disabled")
		return nil, errAccountDisabled
	}
	if created {
		o.audit(ctx, req, u, audit.ActionProvision, audit.StatusSuccess, "", map[string]interface{}{
			"protocol": id.Protocol,
			"provider": id.Provider,
		})
	}

	// The upstream IdP may stand in as the second factor; otherwise the
	// same MFA gate applies as for local logins.
	if !o.policy.SSOTrustedSecondFactor && o.policy.RequiredAtLogin(u.MFAEnabled) {
		o.audit(ctx, req, u, audit.ActionFederatedLogin, audit.StatusPending, "mfa required", nil)
		return &Outcome{State: StateMFARequired, User: u}, nil
	}

	return o.issue(ctx, req, u, audit.ActionFederatedLogin)
}

// Refresh exchanges a valid refresh token for a fresh access token. The
// stored token version is re-checked so logout-everywhere takes effect
// even for tokens with a valid signature.
func (o *Orchestrator) Refresh(ctx context.Context, rawToken, binding string, req Request) (*Outcome, error) {
	claims, err := o.sessions.Parse(rawToken, session.PurposeRefresh)
	if err != nil {
		o.audit(ctx, req, nil, audit.ActionTokenRefreshFail, audit.StatusFailure, "invalid token", nil)
		return nil, ErrInvalidCredential
	}
	u, err := o.activeUser(ctx, claims.Subject)
	if err != nil {
		o.audit(ctx, req, nil, audit.ActionTokenRefreshFail, audit.StatusFailure, "unusable account", nil)
		return nil, ErrInvalidCredential
	}
	if err := o.sessions.Validate(claims, u, binding); err != nil {
		o.audit(ctx, req, u, audit.ActionTokenRefreshFail, audit.StatusFailure, err.Error(), nil)
		return nil, ErrInvalidCredential
	}

	access, err := o.sessions.Access(u, binding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	o.audit(ctx, req, u, audit.ActionTokenRefresh, audit.StatusSuccess, "", nil)
	return &Outcome{State: StateIssued, User: u, AccessToken: access}, nil
}

// Logout invalidates every outstanding token for the user by advancing
// the stored token version.
func (o *Orchestrator) Logout(ctx context.Context, userID string, req Request) error {
	u, err := o.store.FindByID(ctx, userID)
	if err != nil {
		return ErrInvalidCredential
	}
	if _, err := o.store.IncrementTokenVersion(ctx, u.ID); err != nil {
		return fmt.Errorf("%w: advancing token version", ErrConfiguration)
	}
	o.audit(ctx, req, u, audit.ActionLogout, audit.StatusSuccess, "", nil)
	return nil
}

// RegisterInput is a local self-registration request.
type RegisterInput struct {
	Name       string
	Email      string
	Password   string
	TenantID   string
	EmployeeID string
}

// Register creates a local-credential account. New registrations get
// the least-privileged role; anything above that is granted by an admin
// or an SSO claim later.
func (o *Orchestrator) Register(ctx context.Context, in RegisterInput, req Request) (*identity.User, error) {
	if in.Name == "" || in.Email == "" {
		return nil, fmt.Errorf("%w: name and email are required", ErrValidation)
	}
	hash, err := credentials.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	u := &identity.User{
		ID:           uuid.NewString(),
		Email:        identity.NormalizeEmail(in.Email),
		Name:         in.Name,
		PasswordHash: hash,
		TenantID:     in.TenantID,
		EmployeeID:   in.EmployeeID,
		Roles:        []string{roles.DefaultRole},
		Active:       true,
		MFAEnabled:   o.policy.Enforced,
	}
	if err := o.store.Create(ctx, u); err != nil {
		if errors.Is(err, identity.ErrDuplicateEmail) {
			return nil, fmt.Errorf("%w: email already registered", ErrValidation)
		}
		return nil, fmt.Errorf("%w: creating user", ErrConfiguration)
	}
	o.audit(ctx, req, u, audit.ActionRegister, audit.StatusSuccess, "", nil)
	return u, nil
}

// upgradeHash replaces a matched legacy plaintext credential with a
// proper hash as a side effect of the successful verification.
func (o *Orchestrator) upgradeHash(ctx context.Context, u *identity.User, password string) error {
	hash, err := credentials.Hash(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return o.store.Save(ctx, u)
}

func (o *Orchestrator) beginRotation(ctx context.Context, req Request, u *identity.User) (*Outcome, error) {
	// Rotation requires an MFA proof, so an account that reaches this
	// state without a secret gets one enrolled here.
	secret := ""
	if u.MFASecret == "" {
		enrollment, err := o.engine.Enroll()
		if err != nil {
			return nil, fmt.Errorf("%w: generating mfa secret", ErrConfiguration)
		}
		u.MFASecret = enrollment.Secret
		if err := o.store.Save(ctx, u); err != nil {
			return nil, fmt.Errorf("%w: persisting mfa secret", ErrConfiguration)
		}
		secret = enrollment.Secret
	}

	token, err := o.sessions.Rotation(u)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	o.audit(ctx, req, u, audit.ActionRotationPending, audit.StatusPending, "credential rotation required", nil)
	return &Outcome{
		State:         StateRotationRequired,
		User:          u,
		RotationToken: token,
		MFASecret:     secret,
	}, nil
}

func (o *Orchestrator) issue(ctx context.Context, req Request, u *identity.User, action audit.Action) (*Outcome, error) {
	access, err := o.sessions.Access(u, req.Binding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	refresh, err := o.sessions.Refresh(u, req.Binding, req.Remember)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := o.store.TouchLastLogin(ctx, u.ID, o.now().UTC()); err != nil {
		o.logger.WarnContext(ctx, "recording last login failed",
			slog.String("user_id", u.ID), slog.String("error", err.Error()))
	}
	o.audit(ctx, req, u, action, audit.StatusSuccess, "", map[string]interface{}{
		"remember": req.Remember,
		"role":     roles.DerivePrimaryRole("", u.Roles),
	})
	return &Outcome{
		State:        StateIssued,
		User:         u,
		AccessToken:  access,
		RefreshToken: refresh,
	}, nil
}

func (o *Orchestrator) activeUser(ctx context.Context, userID string) (*identity.User, error) {
	u, err := o.store.FindByID(ctx, userID)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	if !u.Active {
		return nil, errAccountDisabled
	}
	return u, nil
}

func (o *Orchestrator) reject(ctx context.Context, req Request, u *identity.User, reason string) {
	o.audit(ctx, req, u, audit.ActionLoginFailed, audit.StatusFailure, reason, nil)
}

func (o *Orchestrator) audit(ctx context.Context, req Request, u *identity.User, action audit.Action, status audit.Status, reason string, detail map[string]interface{}) {
	e := &audit.Event{
		Timestamp: o.now().UTC(),
		Action:    action,
		Status:    status,
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
		RequestID: req.RequestID,
		Reason:    reason,
		Detail:    detail,
	}
	if u != nil {
		e.TenantID = u.TenantID
		e.UserID = u.ID
		e.Email = u.Email
	} else if req.Email != "" {
		e.Email = identity.NormalizeEmail(req.Email)
	}
	if err := o.auditor.Log(ctx, e); err != nil {
		o.logger.ErrorContext(ctx, "audit write failed",
			slog.String("action", string(action)), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) auditFederated(ctx context.Context, req Request, id *federation.Identity, status audit.Status, reason string) {
	e := &audit.Event{
		Timestamp: o.now().UTC(),
		Action:    audit.ActionFederatedFailed,
		Status:    status,
		Email:     identity.NormalizeEmail(id.Email),
		Protocol:  id.Protocol,
		Provider:  id.Provider,
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
		RequestID: req.RequestID,
		Reason:    reason,
	}
	if err := o.auditor.Log(ctx, e); err != nil {
		o.logger.ErrorContext(ctx, "audit write failed", slog.String("error", err.Error()))
	}
}
