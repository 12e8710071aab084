// Package tenant maps logins to the tenant and site they belong to.
//
// Resolution order is fixed: a tenant already stored on the user record
// always wins, then the email domain mapping, then the federated issuer
// mapping. Site resolution likewise prefers the user record over any
// claim the identity provider sent.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrUnresolved is returned when no mapping produced a tenant.
var ErrUnresolved = errors.New("tenant: no tenant could be resolved")

// Directory answers tenant lookups. Implementations are expected to be
// safe for concurrent use.
type Directory interface {
	// TenantByDomain maps an email domain ("plant.example.com") to a
	// tenant id. Returns ("", nil) when the domain is unmapped.
	TenantByDomain(ctx context.Context, domain string) (string, error)

	// TenantByIssuer maps a federated issuer URL to a tenant id.
	// Returns ("", nil) when the issuer is unmapped.
	TenantByIssuer(ctx context.Context, issuer string) (string, error)
}

// siteClaimKeys lists the claim spellings identity providers have been
// seen using for a site assignment. Checked in order, first hit wins.
var siteClaimKeys = []string{"siteId", "site_id", "siteID", "SiteId", "site"}

// Resolver resolves tenants with an LRU cache in front of the directory.
// Negative lookups are cached too, so a burst of logins from an unmapped
// domain does not hammer the directory.
type Resolver struct {
	dir   Directory
	cache *lru.Cache[string, string]
}

func NewResolver(dir Directory, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating tenant cache: %w", err)
	}
	return &Resolver{dir: dir, cache: cache}, nil
}

// ResolveTenant returns the tenant for a login attempt. userTenantID is
// the tenant recorded on an existing user (may be empty), email the
// normalized login email, issuer the federated issuer if any.
func (r *Resolver) ResolveTenant(ctx context.Context, userTenantID, email, issuer string) (string, error) {
	if userTenantID != "" {
		return userTenantID, nil
	}
	if domain := emailDomain(email); domain != "" {
		id, err := r.lookup(ctx, "domain:"+domain, func() (string, error) {
			return r.dir.TenantByDomain(ctx, domain)
		})
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}
	if issuer != "" {
		id, err := r.lookup(ctx, "issuer:"+issuer, func() (string, error) {
			return r.dir.TenantByIssuer(ctx, issuer)
		})
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}
	return "", ErrUnresolved
}

func (r *Resolver) lookup(ctx context.Context, key string, fetch func() (string, error)) (string, error) {
	if id, ok := r.cache.Get(key); ok {
		return id, nil
	}
	id, err := fetch()
	if err != nil {
		return "", fmt.Errorf("tenant directory lookup: %w", err)
	}
	r.cache.Add(key, id)
	return id, nil
}

// Invalidate drops a cached domain or issuer mapping after an admin
// changes the directory.
func (r *Resolver) Invalidate(key string) {
	r.cache.Remove("domain:" + key)
	r.cache.Remove("issuer:" + key)
}

// ResolveSite returns the site for a login. The user record takes
// precedence over provider claims; an empty string means unassigned.
func ResolveSite(userSiteID string, claims map[string]interface{}) string {
	if userSiteID != "" {
		return userSiteID
	}
	for _, key := range siteClaimKeys {
		if v, ok := claims[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func emailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
