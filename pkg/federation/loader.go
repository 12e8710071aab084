package federation

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"strings"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"
	"golang.org/x/oauth2"
)

var defaultOIDCScopes = []string{"openid", "profile", "email"}

// LoadRegistry builds the provider registry from persisted configs at
// startup. A provider that fails to load (unreachable OIDC issuer, bad
// certificate) is logged and skipped; one broken IdP must not keep the
// rest of the tenants from logging in.
func LoadRegistry(ctx context.Context, store ConfigStore, tenantIDs []string, callbackBase string, timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	reg := NewRegistry()
	for _, tenantID := range tenantIDs {
		configs, err := store.List(ctx, tenantID)
		if err != nil {
			logger.Error("listing provider configs failed", "tenant", tenantID, "error", err)
			continue
		}
		for i := range configs {
			cfg := configs[i]
			if !cfg.Enabled {
				continue
			}
			switch cfg.Protocol {
			case ProtocolOIDC:
				p, err := NewOIDCProvider(ctx, cfg.Provider, cfg.Issuer,
					cfg.ClientID, cfg.ClientSecret,
					oidcCallbackURL(&cfg, callbackBase), defaultOIDCScopes, timeout)
				if err != nil {
					logger.Warn("oidc provider skipped", "tenant", tenantID, "provider", cfg.Provider, "error", err)
					continue
				}
				reg.AddOIDC(p)
			case ProtocolOAuth2:
				reg.AddOAuth2(oauth2FromConfig(&cfg, callbackBase, timeout))
			case ProtocolSAML:
				p, err := NewSAMLProviderFromConfig(&cfg, callbackBase)
				if err != nil {
					logger.Warn("saml provider skipped", "tenant", tenantID, "error", err)
					continue
				}
				reg.AddSAML(p)
			default:
				logger.Warn("unknown provider protocol", "tenant", tenantID, "protocol", cfg.Protocol)
			}
		}
	}
	return reg
}

func oidcCallbackURL(cfg *ProviderConfig, base string) string {
	if cfg.CallbackURL != "" {
		return cfg.CallbackURL
	}
	return strings.TrimRight(base, "/") + "/auth/oidc/" + cfg.Provider + "/callback"
}

// oauth2FromConfig maps a stored config onto a plain OAuth2 provider
// using issuer-rooted conventional endpoints.
func oauth2FromConfig(cfg *ProviderConfig, base string, timeout time.Duration) *OAuth2Provider {
	issuer := strings.TrimRight(cfg.Issuer, "/")
	redirect := cfg.CallbackURL
	if redirect == "" {
		redirect = strings.TrimRight(base, "/") + "/auth/oauth/" + cfg.Provider + "/callback"
	}
	return NewOAuth2Provider(cfg.Provider, &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirect,
		Scopes:       []string{"email", "profile"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  issuer + "/authorize",
			TokenURL: issuer + "/token",
		},
	}, issuer+"/userinfo", timeout)
}

// NewSAMLProviderFromConfig builds a validating service provider from
// the stored IdP certificate and endpoints.
func NewSAMLProviderFromConfig(cfg *ProviderConfig, callbackBase string) (*SAMLProvider, error) {
	certStore := &dsig.MemoryX509CertificateStore{}
	rest := []byte(cfg.Certificate)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing idp certificate for tenant %s: %w", cfg.TenantID, err)
		}
		certStore.Roots = append(certStore.Roots, cert)
	}
	if len(certStore.Roots) == 0 {
		return nil, fmt.Errorf("no idp certificate configured for tenant %s", cfg.TenantID)
	}

	keyStore, err := spKeyStore(cfg)
	if err != nil {
		return nil, err
	}

	base := strings.TrimRight(callbackBase, "/")
	entityID := base + "/auth/saml/" + cfg.TenantID + "/metadata"
	acs := cfg.CallbackURL
	if acs == "" {
		acs = base + "/auth/saml/" + cfg.TenantID + "/acs"
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.Issuer,
		IdentityProviderIssuer:      cfg.Issuer,
		ServiceProviderIssuer:       entityID,
		AssertionConsumerServiceURL: acs,
		AudienceURI:                 entityID,
		IDPCertificateStore:         certStore,
		SPKeyStore:                  keyStore,
		SignAuthnRequests:           keyStore != nil,
	}
	return NewSAMLProvider(cfg.TenantID, sp), nil
}

// spKeyStore builds the service-provider signing keystore from the
// configured key material. Without a key the store stays nil and
// AuthnRequests go out unsigned.
func spKeyStore(cfg *ProviderConfig) (dsig.X509KeyStore, error) {
	if cfg.SPPrivateKey == "" {
		return nil, nil
	}
	keyBlock, _ := pem.Decode([]byte(cfg.SPPrivateKey))
	if keyBlock == nil {
		return nil, fmt.Errorf("decoding sp private key for tenant %s: no PEM block", cfg.TenantID)
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		pkcs8Key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing sp private key for tenant %s: %w", cfg.TenantID, err)
		}
		var ok bool
		privateKey, ok = pkcs8Key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("sp private key for tenant %s is not RSA", cfg.TenantID)
		}
	}
	certBlock, _ := pem.Decode([]byte(cfg.SPCert))
	if certBlock == nil {
		return nil, fmt.Errorf("decoding sp certificate for tenant %s: no PEM block", cfg.TenantID)
	}
	return &dsig.TLSCertKeyStore{
		PrivateKey:  privateKey,
		Certificate: [][]byte{certBlock.Bytes},
	}, nil
}
