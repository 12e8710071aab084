package audit

import (
	"context"
	"log/slog"
)

// SlogLogger emits audit events through the process's structured
// logger. It is the default sink when no database is configured and a
// useful second sink alongside one.
type SlogLogger struct {
	logger *slog.Logger
}

func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger.With(slog.String("component", "audit"))}
}

func (l *SlogLogger) Log(ctx context.Context, event *Event) error {
	attrs := make([]slog.Attr, 0, 10)
	add := func(key, val string) {
		if val != "" {
			attrs = append(attrs, slog.String(key, val))
		}
	}
	attrs = append(attrs,
		slog.String("action", string(event.Action)),
		slog.String("status", string(event.Status)),
	)
	add("tenant_id", event.TenantID)
	add("user_id", event.UserID)
	add("email", event.Email)
	add("protocol", event.Protocol)
	add("provider", event.Provider)
	add("ip", event.IPAddress)
	add("request_id", event.RequestID)
	add("reason", event.Reason)
	if len(event.Detail) > 0 {
		attrs = append(attrs, slog.Any("detail", event.Detail))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

func (l *SlogLogger) Close() error { return nil }
