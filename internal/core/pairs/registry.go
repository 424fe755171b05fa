// Package pairs resolves request endpoints to supported base/target pairs.
//
// Reads are served from a local TTL cache, then from an optional shared
// cache (Redis), then from the pair repository. Administrative updates go
// through Add, which writes the repository, drops both cache layers and
// publishes the pair name so other processes drop theirs too.
package pairs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/infra/storage"
)

// ErrPairNotFound is returned for names absent from the registry.
// It is classified permanent: the request can never be answered.
var ErrPairNotFound = errors.New("pair not found")

// SharedCache is a cache layer shared between processes.
type SharedCache interface {
	GetPair(ctx context.Context, name string) (*domain.Pair, bool, error)
	SetPair(ctx context.Context, p *domain.Pair, ttl time.Duration) error
	DeletePair(ctx context.Context, name string) error
}

// Invalidator carries pair invalidations between processes.
type Invalidator interface {
	PublishInvalidation(ctx context.Context, channel, name string) error
	SubscribeInvalidations(ctx context.Context, channel string) (<-chan string, error)
}

// Config configures the registry caches.
type Config struct {
	TTL     time.Duration
	Channel string
}

type cacheEntry struct {
	pair      domain.Pair
	expiresAt time.Time
}

// Registry is the read-mostly pair lookup.
type Registry struct {
	repo   storage.PairRepository
	shared SharedCache
	bus    Invalidator
	cfg    Config

	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewRegistry creates a registry. shared and bus may be nil.
func NewRegistry(
	repo storage.PairRepository,
	shared SharedCache,
	bus Invalidator,
	cfg Config,
) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Channel == "" {
		cfg.Channel = "oracle:pairs:invalidate"
	}
	return &Registry{
		repo:    repo,
		shared:  shared,
		bus:     bus,
		cfg:     cfg,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Resolve returns the pair registered under name.
func (r *Registry) Resolve(ctx context.Context, name string) (*domain.Pair, error) {
	name = domain.NormalizePairName(name)
	if name == "" {
		return nil, domain.Permanent(fmt.Errorf("%w: empty name", ErrPairNotFound))
	}

	if p, ok := r.cached(name); ok {
		return p, nil
	}

	if r.shared != nil {
		p, ok, err := r.shared.GetPair(ctx, name)
		if err != nil {
			// The repository is still authoritative.
			slog.Warn("Shared pair cache read failed", "pair", name, "error", err)
		} else if ok {
			r.store(p)
			return p, nil
		}
	}

	p, err := r.repo.GetByName(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.Permanent(fmt.Errorf("%w: %s", ErrPairNotFound, name))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pair %s: %w", name, err)
	}

	r.store(p)
	if r.shared != nil {
		if err := r.shared.SetPair(ctx, p, r.cfg.TTL); err != nil {
			slog.Warn("Shared pair cache write failed", "pair", name, "error", err)
		}
	}
	return p, nil
}

// ByBaseTarget looks a pair up by its symbols, bypassing the caches.
func (r *Registry) ByBaseTarget(ctx context.Context, base, target string) (*domain.Pair, error) {
	base = domain.NormalizePairName(base)
	target = domain.NormalizePairName(target)

	p, err := r.repo.GetByBaseTarget(ctx, base, target)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.Permanent(fmt.Errorf("%w: %s/%s", ErrPairNotFound, base, target))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pair %s/%s: %w", base, target, err)
	}
	return p, nil
}

// Add registers or replaces a pair and invalidates it everywhere.
func (r *Registry) Add(ctx context.Context, pair domain.Pair) (*domain.Pair, error) {
	pair.Base = domain.NormalizePairName(pair.Base)
	pair.Target = domain.NormalizePairName(pair.Target)
	if pair.Base == "" || pair.Target == "" {
		return nil, fmt.Errorf("pair requires base and target")
	}
	if pair.Name == "" {
		pair.Name = domain.PairName(pair.Base, pair.Target)
	}
	pair.Name = domain.NormalizePairName(pair.Name)

	if err := r.repo.Upsert(ctx, &pair); err != nil {
		return nil, fmt.Errorf("failed to save pair: %w", err)
	}
	r.invalidate(ctx, pair.Name)

	if r.bus != nil {
		if err := r.bus.PublishInvalidation(ctx, r.cfg.Channel, pair.Name); err != nil {
			slog.Warn("Failed to publish pair invalidation", "pair", pair.Name, "error", err)
		}
	}
	return &pair, nil
}

// Seed inserts pairs that are not registered yet. Existing rows are kept.
func (r *Registry) Seed(ctx context.Context, seed []domain.Pair) (int, error) {
	added := 0
	for _, p := range seed {
		name := p.Name
		if name == "" {
			name = domain.PairName(p.Base, p.Target)
		}
		_, err := r.repo.GetByName(ctx, domain.NormalizePairName(name))
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return added, fmt.Errorf("failed to check pair %s: %w", name, err)
		}
		if _, err := r.Add(ctx, p); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// List returns every registered pair.
func (r *Registry) List(ctx context.Context) ([]*domain.Pair, error) {
	return r.repo.List(ctx)
}

// Invalidate drops a pair from the local cache.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	delete(r.entries, domain.NormalizePairName(name))
	r.mu.Unlock()
}

// Listen applies invalidations published by other processes until ctx is
// cancelled. Returns immediately without an Invalidator.
func (r *Registry) Listen(ctx context.Context) error {
	if r.bus == nil {
		return nil
	}
	names, err := r.bus.SubscribeInvalidations(ctx, r.cfg.Channel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to pair invalidations: %w", err)
	}

	slog.Info("Listening for pair invalidations", "channel", r.cfg.Channel)
	for {
		select {
		case <-ctx.Done():
			return nil
		case name, ok := <-names:
			if !ok {
				return nil
			}
			slog.Debug("Pair invalidated", "pair", name)
			r.Invalidate(name)
		}
	}
}

func (r *Registry) invalidate(ctx context.Context, name string) {
	r.Invalidate(name)
	if r.shared != nil {
		if err := r.shared.DeletePair(ctx, name); err != nil {
			slog.Warn("Shared pair cache delete failed", "pair", name, "error", err)
		}
	}
}

func (r *Registry) cached(name string) (*domain.Pair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || r.now().After(e.expiresAt) {
		return nil, false
	}
	p := e.pair
	return &p, true
}

func (r *Registry) store(p *domain.Pair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Name] = cacheEntry{pair: *p, expiresAt: r.now().Add(r.cfg.TTL)}
}
