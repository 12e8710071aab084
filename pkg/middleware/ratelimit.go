package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// RateLimitConfig bounds failed login attempts per key per window.
// Successful logins reset the counter, so the limiter slows brute force
// without locking out legitimate bursts of valid logins.
type RateLimitConfig struct {
	MaxFailures    int
	WindowDuration time.Duration
}

// DefaultIPRateLimitConfig limits failures per client address.
func DefaultIPRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MaxFailures:    20,
		WindowDuration: 15 * time.Minute,
	}
}

// DefaultAccountRateLimitConfig limits failures per target account,
// tighter than the IP limit since a single account under attack is a
// stronger signal.
func DefaultAccountRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MaxFailures:    10,
		WindowDuration: 15 * time.Minute,
	}
}

// AttemptLimiter counts failed attempts per key. Implementations must
// be safe for concurrent use.
type AttemptLimiter interface {
	// Allow reports whether the key is still under its failure budget.
	Allow(ctx context.Context, key string) (bool, error)
	// RecordFailure counts one failed attempt against the key.
	RecordFailure(ctx context.Context, key string) error
	// Reset clears the key after a successful attempt.
	Reset(ctx context.Context, key string) error
}

// MemoryLimiter is the single-node AttemptLimiter.
type MemoryLimiter struct {
	config  *RateLimitConfig
	mu      sync.Mutex
	entries map[string]*attemptEntry
}

type attemptEntry struct {
	failures    int
	windowStart time.Time
}

func NewMemoryLimiter(config *RateLimitConfig) *MemoryLimiter {
	if config == nil {
		config = DefaultIPRateLimitConfig()
	}
	return &MemoryLimiter{
		config:  config,
		entries: make(map[string]*attemptEntry),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return true, nil
	}
	if time.Since(e.windowStart) > l.config.WindowDuration {
		delete(l.entries, key)
		return true, nil
	}
	return e.failures < l.config.MaxFailures, nil
}

func (l *MemoryLimiter) RecordFailure(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || time.Since(e.windowStart) > l.config.WindowDuration {
		l.entries[key] = &attemptEntry{failures: 1, windowStart: time.Now()}
		return nil
	}
	e.failures++
	return nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

// Cleanup drops expired windows.
func (l *MemoryLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.entries {
		if time.Since(e.windowStart) > l.config.WindowDuration {
			delete(l.entries, key)
		}
	}
}

// StartCleanup runs Cleanup periodically until the context is done.
func (l *MemoryLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.config.WindowDuration)
	go func() {
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}

// RateLimitedError is carried to the HTTP layer as a 429.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many failed attempts, retry after %s", e.RetryAfter)
}

// LoginGuard gates the credential-verification and registration entry
// points before any store access, keyed by client IP and separately by
// target account.
type LoginGuard struct {
	ip      AttemptLimiter
	account AttemptLimiter
	window  time.Duration

	// OnDrop is invoked when a request is refused, for metrics.
	OnDrop func(kind string)
}

func NewLoginGuard(ip, account AttemptLimiter, window time.Duration) *LoginGuard {
	if window <= 0 {
		window = DefaultIPRateLimitConfig().WindowDuration
	}
	return &LoginGuard{ip: ip, account: account, window: window}
}

// Check refuses the attempt when either key is over budget. Limiter
// backend errors fail open: an unavailable limiter must not take down
// logins.
func (g *LoginGuard) Check(ctx context.Context, ip, account string) error {
	if g == nil {
		return nil
	}
	if ok, err := g.ip.Allow(ctx, "ip:"+ip); err == nil && !ok {
		g.drop("ip")
		return &RateLimitedError{RetryAfter: g.window}
	}
	if account != "" {
		if ok, err := g.account.Allow(ctx, "acct:"+account); err == nil && !ok {
			g.drop("account")
			return &RateLimitedError{RetryAfter: g.window}
		}
	}
	return nil
}

// Failure records a failed attempt against both keys.
func (g *LoginGuard) Failure(ctx context.Context, ip, account string) {
	if g == nil {
		return
	}
	_ = g.ip.RecordFailure(ctx, "ip:"+ip)
	if account != "" {
		_ = g.account.RecordFailure(ctx, "acct:"+account)
	}
}

// Success clears both counters so failed attempts do not accumulate
// against accounts that log in successfully.
func (g *LoginGuard) Success(ctx context.Context, ip, account string) {
	if g == nil {
		return
	}
	_ = g.ip.Reset(ctx, "ip:"+ip)
	if account != "" {
		_ = g.account.Reset(ctx, "acct:"+account)
	}
}

func (g *LoginGuard) drop(kind string) {
	if g.OnDrop != nil {
		g.OnDrop(kind)
	}
}

// WriteRateLimited renders the 429 response with a Retry-After header.
func WriteRateLimited(w http.ResponseWriter, err *RateLimitedError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", err.RetryAfter.Seconds()))
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprintf(w, `{"error":"too many failed attempts","retry_after":%.0f}`, err.RetryAfter.Seconds())
}
