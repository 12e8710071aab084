package identity

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storeCols = []string{
	"id", "email", "name", "password_hash", "tenant_id", "site_id",
	"employee_id", "roles", "mfa_secret", "mfa_enabled", "active",
	"token_version", "password_expired", "bootstrap_account",
	"invite_token_hash", "invite_expires_at",
	"created_at", "updated_at", "last_login_at",
}

func TestPostgresFindByEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM users WHERE email =").
		WithArgs("tech@plant.example.com").
		WillReturnRows(sqlmock.NewRows(storeCols).AddRow(
			"u-1", "tech@plant.example.com", "Pat", "$2a$10$hash", "tenant-1",
			"site-1", "emp-42", "{technician}", nil, false, true, int64(3),
			false, false, nil, nil, now, now, nil,
		))

	store := NewPostgresStore(db)
	u, err := store.FindByEmail(context.Background(), "Tech@Plant.Example.com")
	require.NoError(t, err)
	require.NotNil(t, u)

	assert.Equal(t, "u-1", u.ID)
	assert.Equal(t, "tenant-1", u.TenantID)
	assert.Equal(t, []string{"technician"}, u.Roles)
	assert.Equal(t, int64(3), u.TokenVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindByEmailMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM users WHERE email =").
		WithArgs("nobody@plant.example.com").
		WillReturnRows(sqlmock.NewRows(storeCols))

	store := NewPostgresStore(db)
	u, err := store.FindByEmail(context.Background(), "nobody@plant.example.com")
	require.NoError(t, err)
	assert.Nil(t, u, "unknown email yields (nil, nil), not an error")
}

func TestPostgresCreateDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO users").
		WillReturnError(&pq.Error{Code: "23505"})

	store := NewPostgresStore(db)
	err = store.Create(context.Background(), &User{
		ID:    "u-2",
		Email: "tech@plant.example.com",
		Roles: []string{"viewer"},
	})
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestPostgresIncrementTokenVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("UPDATE users SET token_version = token_version \\+ 1").
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"token_version"}).AddRow(int64(4)))

	store := NewPostgresStore(db)
	v, err := store.IncrementTokenVersion(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE users SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPostgresStore(db)
	err = store.Save(context.Background(), &User{ID: "ghost", Email: "g@x.com", Roles: []string{"viewer"}})
	assert.ErrorIs(t, err, ErrNotFound)
}
