package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc releases one resource during shutdown. Implementations
// must respect the context deadline; a slow closer is abandoned when
// the drain window expires.
type ShutdownFunc func(context.Context) error

// ShutdownManager drains the auth service on SIGINT/SIGTERM: the HTTP
// server stops accepting logins first so no session is half-issued,
// then the registered closers (database pool, limiter store, audit
// sinks) run concurrently inside one timeout window.
type ShutdownManager struct {
	logger  *Logger
	server  *http.Server
	timeout time.Duration

	mu      sync.Mutex
	closers []ShutdownFunc
}

func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{logger: logger, server: server, timeout: timeout}
}

// RegisterShutdownFunc adds a closer. Registration order does not
// imply execution order; closers run concurrently.
func (sm *ShutdownManager) RegisterShutdownFunc(fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, fn)
}

// WaitForShutdown blocks until a termination signal arrives, then
// drains the service. In-flight requests get the full timeout window
// to complete before the closers run.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	sm.logger.WithField("signal", sig.String()).Info("Draining auth service")

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()
	return sm.drain(ctx)
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("HTTP server drain failed")
			return fmt.Errorf("draining http server: %w", err)
		}
		sm.logger.Info("HTTP server drained")
	}

	sm.mu.Lock()
	closers := sm.closers
	sm.mu.Unlock()

	var wg sync.WaitGroup
	errChan := make(chan error, len(closers))
	for _, fn := range closers {
		wg.Add(1)
		go func(closer ShutdownFunc) {
			defer wg.Done()
			if err := closer(ctx); err != nil {
				sm.logger.WithError(err).Error("Closer failed during shutdown")
				errChan <- err
			}
		}(fn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sm.logger.Warn("Shutdown window expired with closers still running")
		return fmt.Errorf("shutdown timed out after %s", sm.timeout)
	}

	close(errChan)
	failed := 0
	for range errChan {
		failed++
	}
	if failed > 0 {
		return fmt.Errorf("shutdown completed with %d failed closers", failed)
	}
	sm.logger.Info("Shutdown complete")
	return nil
}
