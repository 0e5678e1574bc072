package onboarding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCooldownKey is the Redis key holding the automation flood-wait.
const DefaultCooldownKey = "automation:cooldown"

// RedisCooldown stores the automation flood-wait as an expiring Redis key
// so every API replica honours it.
type RedisCooldown struct {
	redis *redis.Client
	key   string
}

// NewRedisCooldown creates a RedisCooldown. An empty key selects
// DefaultCooldownKey.
func NewRedisCooldown(rdb *redis.Client, key string) *RedisCooldown {
	if key == "" {
		key = DefaultCooldownKey
	}
	return &RedisCooldown{redis: rdb, key: key}
}

// Remaining returns how long the cooldown still runs, or zero.
func (c *RedisCooldown) Remaining(ctx context.Context) (time.Duration, error) {
	ttl, err := c.redis.PTTL(ctx, c.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading cooldown: %w", err)
	}
	// Missing keys report -2, keys without expiry -1.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Set starts a cooldown of d. A longer running cooldown is kept.
func (c *RedisCooldown) Set(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	current, err := c.Remaining(ctx)
	if err != nil {
		return err
	}
	if current >= d {
		return nil
	}
	if err := c.redis.Set(ctx, c.key, time.Now().Add(d).Unix(), d).Err(); err != nil {
		return fmt.Errorf("storing cooldown: %w", err)
	}
	return nil
}
