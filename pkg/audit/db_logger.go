package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DBLogger writes audit events to the auth_audit_log table.
type DBLogger struct {
	db *sql.DB
}

func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	logger := &DBLogger{db: db}
	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure auth_audit_log table: %w", err)
	}
	return logger, nil
}

func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS auth_audit_log (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		action VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		tenant_id VARCHAR(64),
		user_id VARCHAR(64),
		email VARCHAR(255),
		protocol VARCHAR(20),
		provider VARCHAR(100),
		ip_address VARCHAR(45),
		user_agent TEXT,
		request_id VARCHAR(100),
		reason TEXT,
		detail JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_auth_audit_timestamp ON auth_audit_log(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_auth_audit_action ON auth_audit_log(action);
	CREATE INDEX IF NOT EXISTS idx_auth_audit_tenant ON auth_audit_log(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_auth_audit_email ON auth_audit_log(email);
	CREATE INDEX IF NOT EXISTS idx_auth_audit_ip ON auth_audit_log(ip_address);
	`
	_, err := l.db.Exec(query)
	return err
}

func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	var detailJSON []byte
	if event.Detail != nil {
		var err error
		detailJSON, err = json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("failed to marshal detail: %w", err)
		}
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO auth_audit_log (
			timestamp, action, status, tenant_id, user_id, email,
			protocol, provider, ip_address, user_agent, request_id,
			reason, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, event.Timestamp, event.Action, event.Status,
		nullStr(event.TenantID), nullStr(event.UserID), nullStr(event.Email),
		nullStr(event.Protocol), nullStr(event.Provider), nullStr(event.IPAddress),
		nullStr(event.UserAgent), nullStr(event.RequestID), nullStr(event.Reason),
		detailJSON)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func (l *DBLogger) Close() error { return nil }

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
