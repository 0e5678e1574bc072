package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter tracks failed authentication attempts per client.
type Limiter interface {
	Check(ctx context.Context, client string) (*RateLimitResult, error)
	Record(ctx context.Context, client string) error
}

// RateLimiter limits failed API key attempts per client IP using Redis
// INCR + EXPIRE.
type RateLimiter struct {
	redis      *redis.Client
	maxAttempt int
	window     time.Duration
}

// NewRateLimiter creates a rate limiter. maxAttempt is the max failed attempts
// allowed per client within the given window.
func NewRateLimiter(rdb *redis.Client, maxAttempt int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:      rdb,
		maxAttempt: maxAttempt,
		window:     window,
	}
}

// RateLimitResult holds the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	RetryAt   time.Time
}

func rateLimitKey(client string) string {
	return "auth_ratelimit:" + client
}

// Check returns whether the given client may attempt authentication.
func (rl *RateLimiter) Check(ctx context.Context, client string) (*RateLimitResult, error) {
	key := rateLimitKey(client)

	count, err := rl.redis.Get(ctx, key).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("checking rate limit: %w", err)
	}

	if count >= rl.maxAttempt {
		ttl, err := rl.redis.TTL(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("getting TTL: %w", err)
		}
		return &RateLimitResult{
			Allowed:   false,
			Remaining: 0,
			RetryAt:   time.Now().Add(ttl),
		}, nil
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: rl.maxAttempt - count,
	}, nil
}

// Record records a failed attempt for the given client. The window starts
// at the first failure.
func (rl *RateLimiter) Record(ctx context.Context, client string) error {
	key := rateLimitKey(client)

	pipe := rl.redis.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording rate limit: %w", err)
	}
	return nil
}
