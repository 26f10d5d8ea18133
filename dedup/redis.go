package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares dedup state across processes. Redis TTL handles both
// window expiry and size bounding.
type RedisCache struct {
	rdb    *redis.Client
	window time.Duration
}

var _ Cache = (*RedisCache)(nil)

func NewRedisCache(redisURL string, window time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, err
	}
	return &RedisCache{rdb: rdb, window: window}, nil
}

func redisDedupKey(key string) string {
	return "dedup/" + key
}

func (c *RedisCache) ShouldSuppress(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, redisDedupKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) MarkActed(ctx context.Context, key string) error {
	return c.rdb.Set(ctx, redisDedupKey(key), "1", c.window).Err()
}
