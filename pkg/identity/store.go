package identity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store is the repository interface the login orchestrator depends on.
// Mutations are explicit commands rather than in-place document edits so
// the orchestrator stays storage-agnostic.
type Store interface {
	// FindByEmail returns (nil, nil) when no user matches the normalized
	// email.
	FindByEmail(ctx context.Context, email string) (*User, error)

	// FindByID returns ErrNotFound when the id does not exist.
	FindByID(ctx context.Context, id string) (*User, error)

	// Create inserts a new user; ErrDuplicateEmail on a uniqueness race.
	Create(ctx context.Context, u *User) error

	// Save persists the mutable fields of an existing user.
	Save(ctx context.Context, u *User) error

	// IncrementTokenVersion atomically advances the user's token version
	// and returns the new value.
	IncrementTokenVersion(ctx context.Context, id string) (int64, error)

	// TouchLastLogin records a successful login timestamp.
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
}

// uniqueViolation is the postgres error code for duplicate keys.
const uniqueViolation = "23505"

// PostgresStore implements Store over database/sql with the pq driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a PostgresStore backed by the given handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, email, name, password_hash, tenant_id, site_id, employee_id, roles,
	mfa_secret, mfa_enabled, active, token_version, password_expired,
	bootstrap_account, invite_token_hash, invite_expires_at,
	created_at, updated_at, last_login_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	var (
		u               User
		name            sql.NullString
		passwordHash    sql.NullString
		tenantID        sql.NullString
		siteID          sql.NullString
		employeeID      sql.NullString
		mfaSecret       sql.NullString
		inviteTokenHash sql.NullString
		inviteExpiresAt sql.NullTime
		lastLoginAt     sql.NullTime
	)

	err := row.Scan(&u.ID, &u.Email, &name, &passwordHash, &tenantID, &siteID,
		&employeeID, pq.Array(&u.Roles), &mfaSecret, &u.MFAEnabled, &u.Active,
		&u.TokenVersion, &u.PasswordExpired, &u.BootstrapAccount,
		&inviteTokenHash, &inviteExpiresAt, &u.CreatedAt, &u.UpdatedAt,
		&lastLoginAt)
	if err != nil {
		return nil, err
	}

	u.Name = name.String
	u.PasswordHash = passwordHash.String
	u.TenantID = tenantID.String
	u.SiteID = siteID.String
	u.EmployeeID = employeeID.String
	u.MFASecret = mfaSecret.String
	u.InviteTokenHash = inviteTokenHash.String
	if inviteExpiresAt.Valid {
		t := inviteExpiresAt.Time
		u.InviteExpiresAt = &t
	}
	if lastLoginAt.Valid {
		t := lastLoginAt.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

// FindByEmail looks up a user by normalized email.
func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users WHERE email = $1
	`, NormalizeEmail(email))

	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user by email: %w", err)
	}
	return u, nil
}

// FindByID looks up a user by id.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users WHERE id = $1
	`, id)

	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user by id: %w", err)
	}
	return u, nil
}

// Create inserts a new user record.
func (s *PostgresStore) Create(ctx context.Context, u *User) error {
	u.Email = NormalizeEmail(u.Email)
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (
			id, email, name, password_hash, tenant_id, site_id, employee_id,
			roles, mfa_secret, mfa_enabled, active, token_version,
			password_expired, bootstrap_account, invite_token_hash,
			invite_expires_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, u.ID, u.Email, nullIfEmpty(u.Name), nullIfEmpty(u.PasswordHash),
		nullIfEmpty(u.TenantID), nullIfEmpty(u.SiteID),
		nullIfEmpty(u.EmployeeID), pq.Array(u.Roles),
		nullIfEmpty(u.MFASecret), u.MFAEnabled, u.Active, u.TokenVersion,
		u.PasswordExpired, u.BootstrapAccount, nullIfEmpty(u.InviteTokenHash),
		u.InviteExpiresAt, u.CreatedAt, u.UpdatedAt)

	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// Save persists mutable fields of an existing user.
func (s *PostgresStore) Save(ctx context.Context, u *User) error {
	u.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			email = $2, name = $3, password_hash = $4, tenant_id = $5,
			site_id = $6, employee_id = $7, roles = $8, mfa_secret = $9,
			mfa_enabled = $10, active = $11, password_expired = $12,
			bootstrap_account = $13, invite_token_hash = $14,
			invite_expires_at = $15, updated_at = $16
		WHERE id = $1
	`, u.ID, NormalizeEmail(u.Email), nullIfEmpty(u.Name),
		nullIfEmpty(u.PasswordHash), nullIfEmpty(u.TenantID),
		nullIfEmpty(u.SiteID), nullIfEmpty(u.EmployeeID),
		pq.Array(u.Roles), nullIfEmpty(u.MFASecret),
		u.MFAEnabled, u.Active, u.PasswordExpired, u.BootstrapAccount,
		nullIfEmpty(u.InviteTokenHash), u.InviteExpiresAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementTokenVersion advances the token version atomically. The update
// is commutative-safe, so concurrent logouts need no mutual exclusion.
func (s *PostgresStore) IncrementTokenVersion(ctx context.Context, id string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE users SET token_version = token_version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING token_version
	`, id).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment token version: %w", err)
	}
	return version, nil
}

// TouchLastLogin records a successful login.
func (s *PostgresStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_login_at = $2 WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record last login: %w", err)
	}
	return nil
}

func nullIfEmpty(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
