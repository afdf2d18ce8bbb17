package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mshafiee/chimera/internal/backend"
	"github.com/mshafiee/chimera/internal/circuitbreaker"
	"github.com/mshafiee/chimera/internal/execution"
	"github.com/mshafiee/chimera/internal/groundtruth"
	"github.com/mshafiee/chimera/internal/ingress"
	"github.com/mshafiee/chimera/internal/position"
	"github.com/mshafiee/chimera/internal/queue"
	"github.com/mshafiee/chimera/internal/reconcile"
	"github.com/mshafiee/chimera/internal/recovery"
	"github.com/mshafiee/chimera/internal/roster"
	"github.com/mshafiee/chimera/internal/storage"
	"github.com/mshafiee/chimera/internal/stream"
	"github.com/mshafiee/chimera/pkg/cache"
	"github.com/mshafiee/chimera/pkg/config"
	"github.com/mshafiee/chimera/pkg/healthprobe"
	"github.com/mshafiee/chimera/pkg/httpserver"
	"github.com/mshafiee/chimera/pkg/types"
)

// backendClientTimeout bounds a single HTTP round trip to a backend or
// the ground-truth service. Confirmation waits are budgeted separately.
const backendClientTimeout = 10 * time.Second

// New creates a new application instance.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	healthChecker := healthprobe.New()

	store, err := setupStorage(cfg, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("setup storage: %w", err)
	}

	machine, err := position.New(&position.Config{Store: store, Logger: logger})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("setup position machine: %w", err)
	}

	hub, err := stream.NewHub(logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("setup stream hub: %w", err)
	}
	machine.SetNotify(hub.PublishPosition)

	admissionQueue, err := queue.New(&queue.Config{
		Capacity:     cfg.QueueCapacity,
		ShedFraction: cfg.QueueShedFraction,
		Logger:       logger,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("setup queue: %w", err)
	}

	truthClient, err := groundtruth.NewClient(&groundtruth.ClientConfig{
		BaseURL: cfg.GroundTruthURL,
		Timeout: backendClientTimeout,
		Logger:  logger,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("setup ground truth client: %w", err)
	}

	marks, err := setupMarkCache(cfg, logger, truthClient, store)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("setup mark cache: %w", err)
	}

	breaker, err := setupBreaker(ctx, cfg, logger, store, marks, admissionQueue, hub)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("setup circuit breaker: %w", err)
	}

	// Losing the store mid-flight makes every admission decision
	// untrustworthy, so degrade readiness and stop admitting.
	store.SetFatalHook(func() {
		healthChecker.SetDegraded(true)
		breaker.Halt(context.Background(), "persistent store unavailable")
		hub.PublishAlert("persistent store unavailable, admission halted")
	})

	selector, err := setupSelector(cfg, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("setup backend selector: %w", err)
	}

	tips, err := backend.NewTipEngine(ctx, &backend.TipConfig{
		Floor:           cfg.TipFloor,
		Ceiling:         cfg.TipCeiling,
		Fraction:        cfg.TipSizeFraction,
		Percentile:      cfg.TipPercentile,
		MinSamples:      cfg.TipMinSamples,
		Window:          cfg.TipHistoryWindow,
		PersistInterval: cfg.TipPersistInterval,
		Store:           store,
		Logger:          logger,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("setup tip engine: %w", err)
	}

	validator, err := ingress.New(&ingress.Config{
		Secret:          cfg.IngressSecret,
		RotationSecret:  cfg.IngressRotationSecret,
		FreshnessWindow: cfg.FreshnessWindow,
		MaxPositionSize: cfg.MaxPositionSize,
		Store:           store,
		Breaker:         breaker,
		Modes:           selector,
		Queue:           admissionQueue,
		Machine:         machine,
		Logger:          logger,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("setup ingress validator: %w", err)
	}

	executor, err := execution.New(&execution.Config{
		Queue:               admissionQueue,
		Machine:             machine,
		Backends:            selector,
		Tips:                tips,
		Outcomes:            breaker,
		Workers:             cfg.ExecutionWorkers,
		ConfirmTimeout:      cfg.ConfirmTimeout,
		ConfirmPollInterval: cfg.ConfirmTimeout / 20,
		MaxRetries:          cfg.MaxRetries,
		RetryBackoff:        cfg.RetryBackoff,
		Logger:              logger,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("setup executor: %w", err)
	}
	executor.SetOnTrade(hub.PublishTrade)

	sweep, err := recovery.New(&recovery.Config{
		Store:      store,
		Machine:    machine,
		Truth:      truthClient,
		Outcomes:   breaker,
		Interval:   cfg.SweepInterval,
		StuckAfter: cfg.ExitStuckTimeout,
		Logger:     logger,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("setup recovery sweep: %w", err)
	}

	reconciler, err := reconcile.New(&reconcile.Config{
		Store:    store,
		Truth:    truthClient,
		Epsilon:  cfg.ReconcileEpsilon,
		Interval: cfg.ReconcileInterval,
		Logger:   logger,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("setup reconciler: %w", err)
	}

	rosterWatcher, err := setupRosterWatcher(cfg, logger, store, hub)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("setup roster watcher: %w", err)
	}

	httpServer, err := httpserver.New(&httpserver.Config{
		Port:          cfg.HTTPPort,
		Logger:        logger,
		HealthChecker: healthChecker,
		Auth:          httpserver.NewAuth(cfg.ReadToken, cfg.OperateToken, cfg.AdminToken),
		Ingress:       validator,
		Ledger:        store,
		Breaker:       breaker,
		Selector:      selector,
		Stream:        hub,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("setup http server: %w", err)
	}

	return &App{
		cfg:           cfg,
		logger:        logger,
		healthChecker: healthChecker,
		store:         store,
		machine:       machine,
		queue:         admissionQueue,
		validator:     validator,
		selector:      selector,
		tips:          tips,
		breaker:       breaker,
		marks:         marks,
		executor:      executor,
		sweep:         sweep,
		reconciler:    reconciler,
		rosterWatcher: rosterWatcher,
		hub:           hub,
		httpServer:    httpServer,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

func setupStorage(cfg *config.Config, logger *zap.Logger) (*storage.Store, error) {
	return storage.Open(&storage.Config{
		Path:        cfg.DBPath,
		BusyTimeout: cfg.DBBusyTimeout,
		MaxRetries:  cfg.DBMaxRetries,
		Logger:      logger,
	})
}

func setupMarkCache(
	cfg *config.Config,
	logger *zap.Logger,
	truthClient *groundtruth.Client,
	store *storage.Store,
) (*groundtruth.MarkCache, error) {
	markStore, err := cache.NewRistrettoCache(&cache.RistrettoConfig{
		NumCounters: 10000,
		MaxCost:     1000,
		BufferItems: 64,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create mark store: %w", err)
	}

	return groundtruth.NewMarkCache(&groundtruth.MarkCacheConfig{
		Cache:           markStore,
		Source:          truthClient,
		Positions:       store,
		RefreshInterval: cfg.MarkRefreshInterval,
		Logger:          logger,
	})
}

func setupBreaker(
	ctx context.Context,
	cfg *config.Config,
	logger *zap.Logger,
	store *storage.Store,
	marks *groundtruth.MarkCache,
	admissionQueue *queue.Queue,
	hub *stream.Hub,
) (*circuitbreaker.Breaker, error) {
	// Seed the rolling loss window so a restart does not forget the
	// day's realized losses.
	var initialLoss float64
	summary, err := store.Performance(ctx)
	if err != nil {
		logger.Warn("performance-seed-unavailable", zap.Error(err))
	} else if summary.RealizedLoss24h > 0 {
		initialLoss = summary.RealizedLoss24h
	}

	return circuitbreaker.New(&circuitbreaker.Config{
		DailyLossLimit:       cfg.BreakerMaxDailyLoss,
		ConsecutiveLossLimit: cfg.BreakerMaxConsecLosses,
		DrawdownLimit:        cfg.BreakerMaxDrawdownPct,
		Cooldown:             cfg.BreakerCooldown,
		ScanInterval:         cfg.MarkRefreshInterval,
		InitialDailyLoss:     initialLoss,
		Positions:            store,
		Marks:                marks,
		Audit:                store,
		RequestExit: func(p *types.Position) {
			sig := syntheticExit(p)
			if err := admissionQueue.Enqueue(sig); err != nil {
				logger.Error("synthetic-exit-enqueue-failed",
					zap.String("position", p.IdempotencyKey),
					zap.Error(err))
				return
			}
			hub.PublishAlert("synthetic exit queued for " + p.IdempotencyKey)
		},
		Logger: logger,
	})
}

// syntheticExit builds the exit signal the breaker queues for a losing
// active position. The key is fresh so it never collides with producer
// traffic; exits are never shed, so the queue accepts it unless full.
func syntheticExit(p *types.Position) *types.Signal {
	return &types.Signal{
		IdempotencyKey: "synthetic-exit-" + uuid.NewString(),
		Tier:           types.TierExit,
		Side:           p.Side,
		Size:           p.Size,
		Target:         p.Target,
		Wallet:         p.Wallet,
		PositionKey:    p.IdempotencyKey,
		ReceivedAt:     time.Now().UTC(),
	}
}

func setupSelector(cfg *config.Config, logger *zap.Logger) (*backend.Selector, error) {
	primary, err := backend.NewPrimary(&backend.PrimaryConfig{
		BaseURL: cfg.PrimaryURL,
		Timeout: backendClientTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create primary client: %w", err)
	}

	secondary, err := backend.NewSecondary(&backend.SecondaryConfig{
		BaseURL: cfg.SecondaryURL,
		Timeout: backendClientTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create secondary client: %w", err)
	}

	return backend.NewSelector(&backend.SelectorConfig{
		Primary:           primary,
		Secondary:         secondary,
		FailoverThreshold: cfg.FailoverThreshold,
		LatencyThreshold:  cfg.LatencyThreshold,
		ProbeInterval:     cfg.HealthProbeInterval,
		Logger:            logger,
	})
}

func setupRosterWatcher(
	cfg *config.Config,
	logger *zap.Logger,
	store *storage.Store,
	hub *stream.Hub,
) (*roster.Watcher, error) {
	merger, err := roster.NewMerger(&roster.MergerConfig{
		DB:        store.DB(),
		StagePath: cfg.RosterStagePath,
		OnDegraded: func(reason string) {
			hub.PublishAlert("roster merge aborted: " + reason)
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create roster merger: %w", err)
	}

	return roster.NewWatcher(&roster.WatcherConfig{
		Merger:       merger,
		PollInterval: cfg.RosterWatchInterval,
		Logger:       logger,
	})
}
