package federation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrConfigNotFound is returned for lookups of unconfigured providers.
var ErrConfigNotFound = errors.New("federation: provider config not found")

// ProviderConfig is the persisted per-tenant provider definition.
// (tenant, protocol, provider) is unique.
type ProviderConfig struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	Protocol     string    `json:"protocol"` // oauth2 | oidc | saml
	Provider     string    `json:"provider"`
	Issuer       string    `json:"issuer,omitempty"`
	ClientID     string    `json:"clientId,omitempty"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	Certificate  string    `json:"certificate,omitempty"`   // PEM, SAML only: IdP signing certificate
	SPCert       string    `json:"spCertificate,omitempty"` // PEM, SAML only: our certificate for signed AuthnRequests
	SPPrivateKey string    `json:"spPrivateKey,omitempty"`  // PEM, SAML only: PKCS1 or PKCS8 RSA key
	CallbackURL  string    `json:"callbackUrl,omitempty"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Sanitized strips secret material for read responses. The secret's
// presence is still signalled so UIs can show "configured".
func (c ProviderConfig) Sanitized() ProviderConfig {
	out := c
	if out.ClientSecret != "" {
		out.ClientSecret = secretMask
	}
	if out.SPPrivateKey != "" {
		out.SPPrivateKey = secretMask
	}
	return out
}

const secretMask = "********"

// ConfigStore persists identity-provider configurations.
type ConfigStore interface {
	List(ctx context.Context, tenantID string) ([]ProviderConfig, error)
	Get(ctx context.Context, tenantID, protocol, provider string) (*ProviderConfig, error)
	Upsert(ctx context.Context, cfg *ProviderConfig) error
	Delete(ctx context.Context, tenantID, protocol, provider string) error
}

// PostgresConfigStore keeps provider configs in the idp_configs table.
type PostgresConfigStore struct {
	db *sql.DB
}

func NewPostgresConfigStore(db *sql.DB) *PostgresConfigStore {
	return &PostgresConfigStore{db: db}
}

const configCols = `id, tenant_id, protocol, provider, issuer, client_id, client_secret, certificate, sp_certificate, sp_private_key, callback_url, enabled, created_at, updated_at`

func (s *PostgresConfigStore) List(ctx context.Context, tenantID string) ([]ProviderConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+configCols+`
		FROM idp_configs WHERE tenant_id = $1
		ORDER BY protocol, provider
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing provider configs: %w", err)
	}
	defer rows.Close()

	var out []ProviderConfig
	for rows.Next() {
		var c ProviderConfig
		if err := scanConfig(rows.Scan, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresConfigStore) Get(ctx context.Context, tenantID, protocol, provider string) (*ProviderConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+configCols+`
		FROM idp_configs
		WHERE tenant_id = $1 AND protocol = $2 AND provider = $3
	`, tenantID, protocol, provider)

	var c ProviderConfig
	if err := scanConfig(row.Scan, &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *PostgresConfigStore) Upsert(ctx context.Context, cfg *ProviderConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idp_configs (
			id, tenant_id, protocol, provider, issuer, client_id,
			client_secret, certificate, sp_certificate, sp_private_key,
			callback_url, enabled, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (tenant_id, protocol, provider) DO UPDATE SET
			issuer = EXCLUDED.issuer,
			client_id = EXCLUDED.client_id,
			client_secret = EXCLUDED.client_secret,
			certificate = EXCLUDED.certificate,
			sp_certificate = EXCLUDED.sp_certificate,
			sp_private_key = EXCLUDED.sp_private_key,
			callback_url = EXCLUDED.callback_url,
			enabled = EXCLUDED.enabled,
			updated_at = NOW()
	`, cfg.ID, cfg.TenantID, cfg.Protocol, cfg.Provider, cfg.Issuer,
		cfg.ClientID, cfg.ClientSecret, cfg.Certificate, cfg.SPCert,
		cfg.SPPrivateKey, cfg.CallbackURL, cfg.Enabled)
	if err != nil {
		return fmt.Errorf("upserting provider config: %w", err)
	}
	return nil
}

func (s *PostgresConfigStore) Delete(ctx context.Context, tenantID, protocol, provider string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idp_configs
		WHERE tenant_id = $1 AND protocol = $2 AND provider = $3
	`, tenantID, protocol, provider)
	if err != nil {
		return fmt.Errorf("deleting provider config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConfigNotFound
	}
	return nil
}

func scanConfig(scan func(...interface{}) error, c *ProviderConfig) error {
	var issuer, clientID, clientSecret, cert, spCert, spKey, callback sql.NullString
	err := scan(
		&c.ID, &c.TenantID, &c.Protocol, &c.Provider, &issuer, &clientID,
		&clientSecret, &cert, &spCert, &spKey, &callback, &c.Enabled,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	c.Issuer = issuer.String
	c.ClientID = clientID.String
	c.ClientSecret = clientSecret.String
	c.Certificate = cert.String
	c.SPCert = spCert.String
	c.SPPrivateKey = spKey.String
	c.CallbackURL = callback.String
	return nil
}
