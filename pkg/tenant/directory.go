package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

// MapDirectory is a static in-memory directory, loaded from config at
// startup. Useful for single-tenant installs and tests.
type MapDirectory struct {
	mu      sync.RWMutex
	domains map[string]string
	issuers map[string]string
}

func NewMapDirectory(domains, issuers map[string]string) *MapDirectory {
	d := &MapDirectory{
		domains: make(map[string]string, len(domains)),
		issuers: make(map[string]string, len(issuers)),
	}
	for k, v := range domains {
		d.domains[strings.ToLower(k)] = v
	}
	for k, v := range issuers {
		d.issuers[k] = v
	}
	return d
}

func (d *MapDirectory) TenantByDomain(_ context.Context, domain string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.domains[strings.ToLower(domain)], nil
}

func (d *MapDirectory) TenantByIssuer(_ context.Context, issuer string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.issuers[issuer], nil
}

// SetDomain adds or replaces a domain mapping.
func (d *MapDirectory) SetDomain(domain, tenantID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.domains[strings.ToLower(domain)] = tenantID
}

// SetIssuer adds or replaces an issuer mapping.
func (d *MapDirectory) SetIssuer(issuer, tenantID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.issuers[issuer] = tenantID
}

// PostgresDirectory reads tenant mappings from the tenant_domains and
// tenant_issuers tables.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) TenantByDomain(ctx context.Context, domain string) (string, error) {
	var tenantID string
	err := d.db.QueryRowContext(ctx, `
		SELECT tenant_id FROM tenant_domains WHERE domain = $1
	`, strings.ToLower(domain)).Scan(&tenantID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying tenant domain: %w", err)
	}
	return tenantID, nil
}

func (d *PostgresDirectory) TenantByIssuer(ctx context.Context, issuer string) (string, error) {
	var tenantID string
	err := d.db.QueryRowContext(ctx, `
		SELECT tenant_id FROM tenant_issuers WHERE issuer = $1
	`, issuer).Scan(&tenantID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying tenant issuer: %w", err)
	}
	return tenantID, nil
}
