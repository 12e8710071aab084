package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DistributedLimiter is the Redis-backed AttemptLimiter, for deployments
// where login failures must be counted across instances.
type DistributedLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

func NewDistributedLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *DistributedLimiter {
	if config == nil {
		config = DefaultIPRateLimitConfig()
	}
	if prefix == "" {
		prefix = "authlimit"
	}
	return &DistributedLimiter{
		redis:  redisClient,
		config: config,
		prefix: prefix,
	}
}

func (l *DistributedLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", l.prefix, key)
}

// Allow reports whether the key's failure count is under budget. Redis
// errors fail open so an unavailable limiter cannot take down logins.
func (l *DistributedLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := l.redis.Get(ctx, l.key(key)).Int64()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}
	return count < int64(l.config.MaxFailures), nil
}

// RecordFailure increments the failure counter, starting the window on
// the first failure.
func (l *DistributedLimiter) RecordFailure(ctx context.Context, key string) error {
	pipe := l.redis.Pipeline()
	incr := pipe.Incr(ctx, l.key(key))
	pipe.Expire(ctx, l.key(key), l.config.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	_ = incr
	return nil
}

// Reset clears the counter after a successful attempt.
func (l *DistributedLimiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, l.key(key)).Err()
}

// Remaining returns the failure budget left in the current window.
func (l *DistributedLimiter) Remaining(ctx context.Context, key string) (int, error) {
	count, err := l.redis.Get(ctx, l.key(key)).Int()
	if err == redis.Nil {
		return l.config.MaxFailures, nil
	}
	if err != nil {
		return 0, err
	}
	remaining := l.config.MaxFailures - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// TTL returns the time until the window resets.
func (l *DistributedLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return l.redis.TTL(ctx, l.key(key)).Result()
}

// HealthCheck verifies Redis connectivity.
func (l *DistributedLimiter) HealthCheck(ctx context.Context) error {
	return l.redis.Ping(ctx).Err()
}
