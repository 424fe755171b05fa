// Package retry holds the pure retry policy used around external calls.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/vietddude/oracle/internal/core/domain"
)

// Backoff is a bounded exponential backoff policy.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultBackoff returns 1s, 2s, 4s, ... capped at 30s, 5 attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
	}
}

// Delay returns the wait before the retry following attempt (0-indexed):
// InitialDelay * 2^attempt, capped at MaxDelay.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(b.InitialDelay) * math.Pow(2, float64(attempt))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed after attempt
// failed with err. Only transient failures are retried.
func (b Backoff) ShouldRetry(err error, attempt int) bool {
	if attempt+1 >= b.MaxAttempts {
		return false
	}
	return domain.Classify(err) == domain.CategoryTransient
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
