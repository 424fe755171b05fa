package control

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/oracle/internal/core/checkpoint"
	"github.com/vietddude/oracle/internal/core/config"
	"github.com/vietddude/oracle/internal/core/pairs"
	"github.com/vietddude/oracle/internal/core/retry"
	"github.com/vietddude/oracle/internal/fulfillment"
	"github.com/vietddude/oracle/internal/health"
	"github.com/vietddude/oracle/internal/infra/chain"
	"github.com/vietddude/oracle/internal/infra/chain/evm"
	"github.com/vietddude/oracle/internal/infra/pricefeed"
	redisclient "github.com/vietddude/oracle/internal/infra/redis"
	"github.com/vietddude/oracle/internal/infra/storage"
	"github.com/vietddude/oracle/internal/infra/storage/memory"
	"github.com/vietddude/oracle/internal/infra/storage/postgres"
	"github.com/vietddude/oracle/internal/ingest"
)

// Deps are the external resources the oracle runs against.
type Deps struct {
	Store storage.Store
	Chain chain.Adapter
	Feed  fulfillment.PriceFeed

	// Redis is optional: without it the pair cache is process-local and
	// the scan loop is not leased.
	Redis *redisclient.Client

	// DB is set when Store is backed by PostgreSQL.
	DB *postgres.DB
}

// Oracle is the main application struct that manages the fulfillment
// engine lifecycle.
type Oracle struct {
	cfg   config.AppConfig
	deps  Deps
	owner string
	log   *slog.Logger

	registry     *pairs.Registry
	checkpoints  *checkpoint.Manager
	ingestor     *ingest.Ingestor
	submitter    *fulfillment.Submitter
	executor     *fulfillment.Executor
	dispatcher   *fulfillment.Dispatcher
	reconciler   *fulfillment.Reconciler
	healthMon    *health.Monitor
	healthServer *health.Server

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Connect opens the storage, Redis, chain and price feed described by cfg.
func Connect(ctx context.Context, cfg config.AppConfig) (Deps, error) {
	var deps Deps

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return deps, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return deps, err
		}
		deps.DB = db
		deps.Store = postgres.NewStore(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		deps.Store = memory.NewMemoryStorage()
		slog.Warn("Using Memory storage, jobs will not survive a restart")
	}

	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			// The registry still works from the database.
			slog.Warn("Failed to connect to Redis, pair cache is local only", "error", err)
		} else {
			deps.Redis = rc
		}
	}

	adapter, err := evm.Dial(ctx, evm.Config{
		RPCURL:        cfg.Chain.RPCURL,
		RouterAddress: cfg.Chain.RouterAddress,
		PrivateKey:    cfg.Chain.PrivateKey,
		ChainID:       cfg.Chain.ChainID,
		GasLimit:      cfg.Chain.GasLimit,
		CallTimeout:   cfg.Chain.CallTimeout,
	})
	if err != nil {
		closeDeps(deps)
		return deps, err
	}
	deps.Chain = adapter

	feed, err := pricefeed.NewClient(cfg.PriceFeed)
	if err != nil {
		closeDeps(deps)
		return deps, err
	}
	deps.Feed = feed

	return deps, nil
}

// NewOracle wires every component on top of deps.
func NewOracle(cfg config.AppConfig, deps Deps) *Oracle {
	host, _ := os.Hostname()
	owner := fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])

	o := &Oracle{
		cfg:   cfg,
		deps:  deps,
		owner: owner,
		log:   slog.Default().With("component", "oracle", "owner", owner),
	}

	var (
		shared pairs.SharedCache
		bus    pairs.Invalidator
		lease  ingest.Leaser
	)
	if deps.Redis != nil {
		shared, bus, lease = deps.Redis, deps.Redis, deps.Redis
	}
	o.registry = pairs.NewRegistry(deps.Store.Pairs(), shared, bus, pairs.Config{
		Channel: cfg.Redis.PairChannel,
	})

	o.checkpoints = checkpoint.NewManager(deps.Store.Checkpoints(), deps.Store)

	backoff := func(attempts int) retry.Backoff {
		return retry.Backoff{
			InitialDelay: cfg.Executor.BackoffInitial,
			MaxDelay:     cfg.Executor.BackoffMax,
			MaxAttempts:  attempts,
		}
	}

	o.ingestor = ingest.NewIngestor(ingest.Config{
		Event:             cfg.Chain.Event,
		Chain:             deps.Chain,
		Checkpoints:       o.checkpoints,
		StartHeight:       cfg.Chain.StartHeight,
		ConfirmationDepth: cfg.Chain.ConfirmationDepth,
		MaxBlockRange:     cfg.Chain.MaxBlockRange,
		ScanInterval:      cfg.Chain.ScanInterval,
		Backoff:           retry.DefaultBackoff(),
		Lease:             lease,
		Owner:             owner,
	})

	o.submitter = fulfillment.NewSubmitter(deps.Chain, fulfillment.GasPolicy{
		Multiplier:  decimal.NewFromFloat(cfg.Chain.GasMultiplier),
		BumpPercent: cfg.Chain.GasBumpPct,
		MaxPrice:    cfg.Chain.MaxGasPriceWei(),
	})

	// Workers check deadlines before every attempt; share one head lookup.
	heads := chain.NewHeadCache(deps.Chain, cfg.Chain.HeadCacheTTL)

	o.executor = fulfillment.NewExecutor(deps.Store, o.registry, deps.Feed, heads, o.submitter, fulfillment.Config{
		Owner:             owner,
		ResolutionBackoff: backoff(cfg.Executor.ResolutionRetries),
		SubmissionBackoff: backoff(cfg.Executor.SubmissionRetries),
		WriteBackoff:      backoff(cfg.Executor.WriteRetries),
		StaleAfter:        cfg.Executor.StaleClaimTimeout,
		UnminedAfter:      cfg.Executor.UnminedWarnAfter,
		PriceDecimals:     cfg.Executor.PriceDecimals,
	})

	o.dispatcher = fulfillment.NewDispatcher(deps.Store.Jobs(), o.executor, fulfillment.DispatcherConfig{
		Workers:      cfg.Executor.Workers,
		PollInterval: cfg.Executor.PollInterval,
		StaleAfter:   cfg.Executor.StaleClaimTimeout,
	})

	o.reconciler = fulfillment.NewReconciler(deps.Store, cfg.Executor.ReconcileInterval)

	o.healthMon = health.NewMonitor(
		cfg.Chain.Event,
		cfg.Chain.ConfirmationDepth,
		heads,
		o.checkpoints,
		deps.Store.Jobs(),
		deps.Store,
	)
	o.healthServer = health.NewServer(o.healthMon, cfg.Server.Port)

	return o
}

// Registry exposes the pair registry for administrative commands.
func (o *Oracle) Registry() *pairs.Registry { return o.registry }

// Status returns the ingestor status snapshot.
func (o *Oracle) Status() ingest.Status { return o.ingestor.GetStatus() }

// Start seeds the pair registry and launches every loop. It returns once
// the loops are running; Wait reports the first fatal error.
func (o *Oracle) Start(ctx context.Context) error {
	added, err := o.registry.Seed(ctx, o.cfg.Pairs)
	if err != nil {
		return fmt.Errorf("failed to seed pairs: %w", err)
	}
	if added > 0 {
		o.log.Info("Seeded pairs", "count", added)
	}

	// The first reconcile pass runs before any job is picked up.
	if _, err := o.reconciler.Reconcile(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	o.mu.Lock()
	o.cancel = cancel
	o.group = g
	o.mu.Unlock()

	g.Go(func() error {
		if err := o.healthServer.Start(); err != nil {
			o.log.Error("Health server failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		return o.healthServer.Stop(stopCtx)
	})
	g.Go(func() error { return o.submitter.Run(gctx) })
	g.Go(func() error { return o.ingestor.Start(gctx) })
	g.Go(func() error { return o.dispatcher.Run(gctx) })
	g.Go(func() error { return o.reconciler.Start(gctx) })
	g.Go(func() error {
		if err := o.registry.Listen(gctx); err != nil {
			o.log.Warn("Pair invalidation listener stopped", "error", err)
		}
		return nil
	})

	if o.deps.DB != nil {
		o.deps.DB.StartMetricsCollector(gctx)
	}

	o.log.Info("Oracle started",
		"event", o.cfg.Chain.Event,
		"account", o.deps.Chain.Account(),
		"workers", o.cfg.Executor.Workers,
	)
	return nil
}

// Wait blocks until every loop has exited and returns the first error.
func (o *Oracle) Wait() error {
	o.mu.Lock()
	g := o.group
	o.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop stops the oracle and releases its resources.
func (o *Oracle) Stop(ctx context.Context) error {
	o.log.Info("Stopping Oracle...")

	_ = o.ingestor.Stop()

	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan error, 1)
	go func() { done <- o.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}

	closeDeps(o.deps)
	return err
}

func closeDeps(deps Deps) {
	if deps.Redis != nil {
		if err := deps.Redis.Close(); err != nil {
			slog.Warn("Failed to close Redis", "error", err)
		}
	}
	if deps.Store != nil {
		if err := deps.Store.Close(); err != nil {
			slog.Warn("Failed to close storage", "error", err)
		}
	}
}
