package federation

import (
	"fmt"
	"sync"
)

// Registry holds the configured providers, built once at startup and
// handed to the HTTP layer. There is no global registration: everything
// goes through an injected *Registry.
type Registry struct {
	mu    sync.RWMutex
	oauth map[string]*OAuth2Provider
	oidc  map[string]*OIDCProvider
	saml  map[string]*SAMLProvider // keyed by tenant id
}

func NewRegistry() *Registry {
	return &Registry{
		oauth: make(map[string]*OAuth2Provider),
		oidc:  make(map[string]*OIDCProvider),
		saml:  make(map[string]*SAMLProvider),
	}
}

func (r *Registry) AddOAuth2(p *OAuth2Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oauth[p.Name] = p
}

func (r *Registry) AddOIDC(p *OIDCProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oidc[p.Name] = p
}

func (r *Registry) AddSAML(p *SAMLProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saml[p.TenantID] = p
}

func (r *Registry) OAuth2(name string) (*OAuth2Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.oauth[name]
	if !ok {
		return nil, fmt.Errorf("%w: oauth provider %q", ErrUnsupportedProvider, name)
	}
	return p, nil
}

func (r *Registry) OIDC(name string) (*OIDCProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.oidc[name]
	if !ok {
		return nil, fmt.Errorf("%w: oidc provider %q", ErrUnsupportedProvider, name)
	}
	return p, nil
}

func (r *Registry) SAML(tenantID string) (*SAMLProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.saml[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: no saml provider for tenant %q", ErrUnsupportedProvider, tenantID)
	}
	return p, nil
}
