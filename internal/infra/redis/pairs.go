package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/oracle/internal/core/domain"
)

// GetPair reads a cached pair. found is false on a cache miss.
func (c *Client) GetPair(ctx context.Context, name string) (*domain.Pair, bool, error) {
	data, err := c.rdb.Get(ctx, c.pairKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get failed: %w", err)
	}

	var p domain.Pair
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal pair: %w", err)
	}
	return &p, true, nil
}

// SetPair caches a pair for ttl.
func (c *Client) SetPair(ctx context.Context, p *domain.Pair, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pair: %w", err)
	}
	if err := c.rdb.Set(ctx, c.pairKey(p.Name), data, ttl).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

// DeletePair drops a cached pair.
func (c *Client) DeletePair(ctx context.Context, name string) error {
	return c.rdb.Del(ctx, c.pairKey(name)).Err()
}

// PublishInvalidation announces that a pair changed.
func (c *Client) PublishInvalidation(ctx context.Context, channel, name string) error {
	if err := c.rdb.Publish(ctx, channel, name).Err(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// SubscribeInvalidations streams pair names published on channel until ctx
// is cancelled. The returned channel is closed on exit.
func (c *Client) SubscribeInvalidations(ctx context.Context, channel string) (<-chan string, error) {
	sub := c.rdb.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					slog.Warn("Pair invalidation subscription closed", "channel", channel)
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
