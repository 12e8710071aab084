package federation

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedCertPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "idp.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func TestLoadRegistryFromConfigStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemConfigStore()

	require.NoError(t, store.Upsert(ctx, &ProviderConfig{
		TenantID: "tenant-1",
		Protocol: ProtocolOAuth2,
		Provider: "shop",
		Issuer:   "https://oauth.example.com/",
		ClientID: "client-id",
		Enabled:  true,
	}))
	require.NoError(t, store.Upsert(ctx, &ProviderConfig{
		TenantID:    "tenant-1",
		Protocol:    ProtocolSAML,
		Provider:    "adfs",
		Issuer:      "https://idp.example.com/sso",
		Certificate: selfSignedCertPEM(t),
		Enabled:     true,
	}))
	// Broken certificate material: skipped, not fatal.
	require.NoError(t, store.Upsert(ctx, &ProviderConfig{
		TenantID:    "tenant-2",
		Protocol:    ProtocolSAML,
		Provider:    "adfs",
		Issuer:      "https://idp2.example.com/sso",
		Certificate: "not a certificate",
		Enabled:     true,
	}))
	// Disabled configs never load.
	require.NoError(t, store.Upsert(ctx, &ProviderConfig{
		TenantID: "tenant-1",
		Protocol: ProtocolOAuth2,
		Provider: "legacy",
		Issuer:   "https://legacy.example.com",
		Enabled:  false,
	}))

	reg := LoadRegistry(ctx, store, []string{"tenant-1", "tenant-2"}, "https://auth.example.com", time.Second, nil)

	oauth, err := reg.OAuth2("shop")
	require.NoError(t, err)
	assert.Equal(t, "https://oauth.example.com/authorize", oauth.Config.Endpoint.AuthURL)
	assert.Equal(t, "https://auth.example.com/auth/oauth/shop/callback", oauth.Config.RedirectURL)

	saml, err := reg.SAML("tenant-1")
	require.NoError(t, err)
	md, err := saml.Metadata()
	require.NoError(t, err)
	assert.Contains(t, string(md), "EntityDescriptor")

	_, err = reg.SAML("tenant-2")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)

	_, err = reg.OAuth2("legacy")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestNewSAMLProviderFromConfigRequiresCertificate(t *testing.T) {
	_, err := NewSAMLProviderFromConfig(&ProviderConfig{
		TenantID: "tenant-1",
		Protocol: ProtocolSAML,
		Issuer:   "https://idp.example.com/sso",
	}, "https://auth.example.com")
	assert.Error(t, err)
}

func TestNewSAMLProviderFromConfigSignsWithConfiguredKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "auth.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	certPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPEMs := map[string]string{
		"pkcs1": string(pem.EncodeToMemory(&pem.Block{
			Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key),
		})),
		"pkcs8": string(pem.EncodeToMemory(&pem.Block{
			Type: "PRIVATE KEY", Bytes: pkcs8,
		})),
	}
	for name, keyPEM := range keyPEMs {
		t.Run(name, func(t *testing.T) {
			p, err := NewSAMLProviderFromConfig(&ProviderConfig{
				TenantID:     "tenant-1",
				Protocol:     ProtocolSAML,
				Issuer:       "https://idp.example.com/sso",
				Certificate:  selfSignedCertPEM(t),
				SPCert:       certPEM,
				SPPrivateKey: keyPEM,
			}, "https://auth.example.com")
			require.NoError(t, err)
			require.True(t, p.sp.SignAuthnRequests)
			got, _, err := p.sp.SPKeyStore.GetKeyPair()
			require.NoError(t, err)
			assert.True(t, got.Equal(key))
		})
	}

	// No key material: requests stay unsigned.
	p, err := NewSAMLProviderFromConfig(&ProviderConfig{
		TenantID:    "tenant-1",
		Protocol:    ProtocolSAML,
		Issuer:      "https://idp.example.com/sso",
		Certificate: selfSignedCertPEM(t),
	}, "https://auth.example.com")
	require.NoError(t, err)
	assert.False(t, p.sp.SignAuthnRequests)
	assert.Nil(t, p.sp.SPKeyStore)

	// Unparseable key material fails the load rather than silently
	// falling back to unsigned requests.
	_, err = NewSAMLProviderFromConfig(&ProviderConfig{
		TenantID:     "tenant-1",
		Protocol:     ProtocolSAML,
		Issuer:       "https://idp.example.com/sso",
		Certificate:  selfSignedCertPEM(t),
		SPCert:       certPEM,
		SPPrivateKey: "not a key",
	}, "https://auth.example.com")
	assert.Error(t, err)
}
