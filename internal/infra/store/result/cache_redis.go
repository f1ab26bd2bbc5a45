package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/you-humble/boothscan/internal/domain"

	"github.com/redis/go-redis/v9"
)

type redisCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisCache stores results as JSON strings with a TTL. Size is bounded
// by the server's maxmemory policy.
func NewRedisCache(rdb redis.Cmdable, ttl time.Duration) *redisCache {
	return &redisCache{rdb: rdb, ttl: ttl}
}

func (c *redisCache) Get(ctx context.Context, id string) (domain.ProcessingResult, bool, error) {
	raw, err := c.rdb.Get(ctx, resultKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ProcessingResult{}, false, nil
	}
	if err != nil {
		return domain.ProcessingResult{}, false, fmt.Errorf("redis get result: %w", err)
	}

	var r domain.ProcessingResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return domain.ProcessingResult{}, false, fmt.Errorf("decode cached result: %w", err)
	}
	return r, true, nil
}

func (c *redisCache) Set(ctx context.Context, r domain.ProcessingResult) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	if err := c.rdb.Set(ctx, resultKey(r.TaskID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set result: %w", err)
	}
	return nil
}

func resultKey(id string) string {
	return "result:" + id
}
