package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsmaint/authcore/pkg/credentials"
	"github.com/opsmaint/authcore/pkg/mfa"
	"github.com/opsmaint/authcore/pkg/roles"
)

// ErrTenantRequired is returned when JIT provisioning cannot scope a new
// identity to a tenant. Provisioning fails closed: an identity without a
// tenant cannot be scoped to data.
var ErrTenantRequired = errors.New("tenant could not be resolved for new identity")

// ProvisionInput describes a verified external identity to materialize as
// a local user record.
type ProvisionInput struct {
	TenantID string
	Email    string
	Name     string
	SiteID   string
	Roles    []string
	SkipMFA  bool
}

// ProvisionOptions tunes update behavior for existing users.
type ProvisionOptions struct {
	// Force refreshes roles, site and name from the incoming claims on
	// SSO re-login. Without it an existing record is returned untouched.
	Force bool
}

// Provisioner performs JIT creation or update of local users from verified
// external identities.
type Provisioner struct {
	store  Store
	policy mfa.Policy
}

// NewProvisioner returns a Provisioner over the given store.
func NewProvisioner(store Store, policy mfa.Policy) *Provisioner {
	return &Provisioner{store: store, policy: policy}
}

// Provision creates or updates a user from a verified external identity.
// Idempotent for identical input: a duplicate-key race is treated as
// "already provisioned", re-fetched and returned rather than surfaced.
func (p *Provisioner) Provision(ctx context.Context, in ProvisionInput, opts ProvisionOptions) (*User, bool, error) {
	email := NormalizeEmail(in.Email)
	if email == "" {
		return nil, false, fmt.Errorf("email is required for provisioning")
	}

	existing, err := p.store.FindByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if !opts.Force {
			return existing, false, nil
		}
		return p.refresh(ctx, existing, in)
	}

	if in.TenantID == "" {
		return nil, false, ErrTenantRequired
	}

	assigned := roles.Normalize(in.Roles)
	if len(assigned) == 0 {
		assigned = []string{roles.DefaultRole}
	}

	// SSO-only account: the placeholder hash is unusable by construction.
	placeholder, err := credentials.RandomPlaceholderHash()
	if err != nil {
		return nil, false, err
	}

	u := &User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         in.Name,
		PasswordHash: placeholder,
		TenantID:     in.TenantID,
		SiteID:       in.SiteID,
		Roles:        assigned,
		MFAEnabled:   p.policy.EnrollOnProvision(true, in.SkipMFA),
		Active:       true,
	}

	err = p.store.Create(ctx, u)
	if errors.Is(err, ErrDuplicateEmail) {
		// Lost a provisioning race; the other writer's record wins.
		raced, ferr := p.store.FindByEmail(ctx, email)
		if ferr != nil {
			return nil, false, ferr
		}
		if raced == nil {
			return nil, false, err
		}
		return raced, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return u, true, nil
}

// refresh updates claim-derived fields on an SSO re-login with Force set.
// Tenant is never overwritten: the established identity wins.
func (p *Provisioner) refresh(ctx context.Context, u *User, in ProvisionInput) (*User, bool, error) {
	changed := false

	if incoming := roles.Normalize(in.Roles); len(incoming) > 0 {
		u.Roles = incoming
		changed = true
	}
	if in.SiteID != "" && in.SiteID != u.SiteID {
		u.SiteID = in.SiteID
		changed = true
	}
	if in.Name != "" && in.Name != u.Name {
		u.Name = in.Name
		changed = true
	}

	if !changed {
		return u, false, nil
	}
	u.UpdatedAt = time.Now().UTC()
	if err := p.store.Save(ctx, u); err != nil {
		return nil, false, err
	}
	return u, false, nil
}
