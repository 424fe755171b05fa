package chain

import (
	"context"
	"sync"
	"time"
)

// HeadCache wraps an Adapter and caches CurrentHeight for a short TTL.
// Concurrent workers checking deadlines then share one RPC call per TTL
// instead of issuing one each.
type HeadCache struct {
	Adapter
	ttl time.Duration

	mu       sync.RWMutex
	cached   uint64
	cachedAt time.Time
	now      func() time.Time
}

// NewHeadCache creates a new head cache with the given TTL.
func NewHeadCache(adapter Adapter, ttl time.Duration) *HeadCache {
	return &HeadCache{
		Adapter: adapter,
		ttl:     ttl,
		now:     time.Now,
	}
}

// CurrentHeight returns the cached chain head if within TTL, otherwise
// fetches fresh. A cached value never exceeds the real head.
func (c *HeadCache) CurrentHeight(ctx context.Context) (uint64, error) {
	c.mu.RLock()
	if c.cached > 0 && c.now().Sub(c.cachedAt) < c.ttl {
		cached := c.cached
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	head, err := c.Adapter.CurrentHeight(ctx)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	// Heights are monotonic; a slower concurrent fetch must not move it back.
	if head >= c.cached {
		c.cached = head
	}
	c.cachedAt = c.now()
	head = c.cached
	c.mu.Unlock()

	return head, nil
}

// Invalidate clears the cache, forcing the next call to fetch fresh data.
func (c *HeadCache) Invalidate() {
	c.mu.Lock()
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}
