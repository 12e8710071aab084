package audit

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Logger records auth events. Emitting the event is part of the
// operation's contract, not optional logging: the audit stream is the
// forensic trail for credential stuffing and takeover detection, so
// implementations should degrade (log locally) rather than fail the
// request when the sink is down.
type Logger interface {
	Log(ctx context.Context, event *Event) error
	Close() error
}

type contextKey string

const loggerKey contextKey = "audit_logger"

// WithLogger stores the audit logger on the context.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the context's logger, or a no-op one.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return &noOpLogger{}
}

type noOpLogger struct{}

func (l *noOpLogger) Log(context.Context, *Event) error { return nil }
func (l *noOpLogger) Close() error                      { return nil }

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger { return &noOpLogger{} }

// NewEvent builds an event stamped with the current time and, when a
// request is supplied, the client context.
func NewEvent(action Action, status Status, r *http.Request) *Event {
	e := &Event{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Status:    status,
	}
	if r != nil {
		e.IPAddress = clientIP(r)
		e.UserAgent = r.UserAgent()
		e.RequestID = r.Header.Get("X-Request-Id")
	}
	return e
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
