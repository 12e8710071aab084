package audit

import (
	"context"
	"sync"
)

// MultiLogger fans one event out to several sinks, typically slog plus
// the database. A failing sink does not stop the others.
type MultiLogger struct {
	loggers []Logger
	async   bool
	wg      sync.WaitGroup
}

func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// SetAsync makes Log return before the sinks finish. Useful when the
// database sink sits on the login hot path.
func (m *MultiLogger) SetAsync(async bool) {
	m.async = async
}

func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	if len(m.loggers) == 0 {
		return nil
	}
	if m.async {
		for _, logger := range m.loggers {
			m.wg.Add(1)
			go func(l Logger) {
				defer m.wg.Done()
				_ = l.Log(context.WithoutCancel(ctx), event)
			}(logger)
		}
		return nil
	}

	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Log(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close waits for in-flight async writes, then closes every sink.
func (m *MultiLogger) Close() error {
	m.wg.Wait()
	var firstErr error
	for _, logger := range m.loggers {
		if err := logger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
