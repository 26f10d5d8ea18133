// Package dedup tracks which notification events the bridge has already
// acted on, so redelivery after a reconnect (or a duplicate notification for
// the same reply) does not trigger a second reaction. Entries expire after
// the configured window, and the in-memory backend bounds total entries with
// oldest-first eviction. The cache must be consulted before any rate budget
// is charged.
package dedup

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Cache interface {
	// ShouldSuppress reports whether key was acted on within the window.
	ShouldSuppress(ctx context.Context, key string) (bool, error)
	// MarkActed records that key has been acted on now.
	MarkActed(ctx context.Context, key string) error
}

// MemCache is the default in-process backend.
type MemCache struct {
	data *expirable.LRU[string, time.Time]
}

var _ Cache = (*MemCache)(nil)

func NewMemCache(maxEntries int, window time.Duration) *MemCache {
	return &MemCache{
		data: expirable.NewLRU[string, time.Time](maxEntries, nil, window),
	}
}

func (c *MemCache) ShouldSuppress(ctx context.Context, key string) (bool, error) {
	// Peek, not Get: a suppressed key being checked again must not have its
	// eviction recency refreshed.
	_, ok := c.data.Peek(key)
	return ok, nil
}

func (c *MemCache) MarkActed(ctx context.Context, key string) error {
	c.data.Add(key, time.Now())
	return nil
}
