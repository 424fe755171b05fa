package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lease only when the caller still owns it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// AcquireLease attempts to take a named lease for owner.
func (c *Client) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.leaseKey(name), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	if ok {
		return true, nil
	}
	// Re-entrant for the current owner.
	return c.RefreshLease(ctx, name, owner, ttl)
}

// RefreshLease extends the TTL of a lease held by owner.
func (c *Client) RefreshLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, c.rdb, []string{c.leaseKey(name)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh lease failed: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease releases a lease held by owner.
func (c *Client) ReleaseLease(ctx context.Context, name, owner string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{c.leaseKey(name)}, owner).Err(); err != nil {
		return fmt.Errorf("release lease failed: %w", err)
	}
	return nil
}
