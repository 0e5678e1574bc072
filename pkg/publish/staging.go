package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StagingTTL bounds how long a distributed post waits for its posting job.
const StagingTTL = time.Hour

// RedisStaging keeps the post fetched by the distribution job until the
// posting job picks it up.
type RedisStaging struct {
	redis *redis.Client
}

// NewRedisStaging creates a RedisStaging.
func NewRedisStaging(rdb *redis.Client) *RedisStaging {
	return &RedisStaging{redis: rdb}
}

func stagingKey(tenantID uuid.UUID) string {
	return "publish:staged:" + tenantID.String()
}

// Stage stores p for tenantID, replacing any earlier staged post.
func (s *RedisStaging) Stage(ctx context.Context, tenantID uuid.UUID, p *Post) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding staged post: %w", err)
	}
	if err := s.redis.Set(ctx, stagingKey(tenantID), raw, StagingTTL).Err(); err != nil {
		return fmt.Errorf("staging post: %w", err)
	}
	return nil
}

// Take removes and returns the staged post, or nil if none is staged.
func (s *RedisStaging) Take(ctx context.Context, tenantID uuid.UUID) (*Post, error) {
	raw, err := s.redis.GetDel(ctx, stagingKey(tenantID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("taking staged post: %w", err)
	}
	var p Post
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding staged post: %w", err)
	}
	return &p, nil
}
