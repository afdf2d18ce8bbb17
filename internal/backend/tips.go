package backend

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mshafiee/chimera/internal/storage"
	"github.com/mshafiee/chimera/pkg/types"
	"go.uber.org/zap"
)

// TipStore persists tip observations across restarts so the engine does
// not cold-start after every deploy.
type TipStore interface {
	SaveTipObservations(ctx context.Context, obs []storage.TipObservation, window time.Duration) error
	LoadTipObservations(ctx context.Context, window time.Duration) ([]storage.TipObservation, error)
}

// TipEngine sizes the inclusion tip for primary submissions from a
// rolling window of observed winning tips per tier.
type TipEngine struct {
	floor      float64
	ceiling    float64
	fraction   float64
	percentile float64
	minSamples int
	window     time.Duration
	persistIvl time.Duration

	mu      sync.Mutex
	samples map[types.Tier][]storage.TipObservation
	pending []storage.TipObservation

	store  TipStore
	logger *zap.Logger
	wg     sync.WaitGroup
}

// TipConfig holds tip engine configuration.
type TipConfig struct {
	Floor      float64
	Ceiling    float64
	// Fraction caps the tip at this share of the submission size.
	Fraction   float64
	Percentile float64
	// MinSamples is the observation count below which the engine is in
	// cold start and bids a fixed multiple of the floor.
	MinSamples int
	Window     time.Duration
	// PersistInterval is how often unpersisted observations are flushed.
	PersistInterval time.Duration

	Store  TipStore
	Logger *zap.Logger
}

// NewTipEngine creates the tip engine and warms it from persisted
// observations.
func NewTipEngine(ctx context.Context, cfg *TipConfig) (*TipEngine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Floor <= 0 || cfg.Ceiling < cfg.Floor {
		return nil, fmt.Errorf("tip floor and ceiling must satisfy 0 < floor <= ceiling")
	}
	if cfg.Percentile <= 0 || cfg.Percentile > 1 {
		return nil, fmt.Errorf("percentile must be in (0, 1]")
	}
	if cfg.Window <= 0 || cfg.PersistInterval <= 0 {
		return nil, fmt.Errorf("window and persist interval must be positive")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	e := &TipEngine{
		floor:      cfg.Floor,
		ceiling:    cfg.Ceiling,
		fraction:   cfg.Fraction,
		percentile: cfg.Percentile,
		minSamples: cfg.MinSamples,
		window:     cfg.Window,
		persistIvl: cfg.PersistInterval,
		samples:    make(map[types.Tier][]storage.TipObservation),
		store:      cfg.Store,
		logger:     cfg.Logger,
	}

	warm, err := cfg.Store.LoadTipObservations(ctx, cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("load tip observations: %w", err)
	}
	for _, obs := range warm {
		e.samples[obs.Tier] = append(e.samples[obs.Tier], obs)
	}
	e.logger.Info("tip-engine-warmed", zap.Int("observations", len(warm)))

	return e, nil
}

// Record observes one winning tip for a tier.
func (e *TipEngine) Record(tier types.Tier, tip float64) {
	if tip <= 0 {
		return
	}
	obs := storage.TipObservation{Tier: tier, Tip: tip, ObservedAt: time.Now().UTC()}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples[tier] = append(e.samples[tier], obs)
	e.pending = append(e.pending, obs)
	TipObservationsTotal.WithLabelValues(string(tier)).Inc()
}

// TipFor sizes the tip for a submission of the given tier and size.
// Non-aggressive submissions always bid exactly the floor. Aggressive
// submissions bid the window percentile, or twice the floor while too
// few observations exist to trust it, clamped between the floor and
// the lesser of the ceiling and the size-fraction cap.
func (e *TipEngine) TipFor(tier types.Tier, size float64) float64 {
	if tier != types.TierAggressive {
		TipBidGauge.WithLabelValues(string(tier)).Set(e.floor)
		return e.floor
	}

	e.mu.Lock()
	live := e.pruneLocked(tier)
	e.mu.Unlock()

	tip := 2 * e.floor
	if len(live) >= e.minSamples {
		tip = percentileOf(live, e.percentile)
	}

	limit := e.ceiling
	if e.fraction > 0 && e.fraction*size < limit {
		limit = e.fraction * size
	}
	tip = math.Min(math.Max(tip, e.floor), limit)

	TipBidGauge.WithLabelValues(string(tier)).Set(tip)
	return tip
}

// pruneLocked drops observations older than the window and returns the
// surviving tips for the tier. Caller holds e.mu.
func (e *TipEngine) pruneLocked(tier types.Tier) []float64 {
	cutoff := time.Now().UTC().Add(-e.window)
	kept := e.samples[tier][:0]
	for _, obs := range e.samples[tier] {
		if obs.ObservedAt.After(cutoff) {
			kept = append(kept, obs)
		}
	}
	e.samples[tier] = kept

	tips := make([]float64, len(kept))
	for i, obs := range kept {
		tips[i] = obs.Tip
	}
	return tips
}

// percentileOf computes the nearest-rank percentile of tips.
func percentileOf(tips []float64, p float64) float64 {
	sorted := make([]float64, len(tips))
	copy(sorted, tips)
	sort.Float64s(sorted)

	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

// Start launches the persistence loop.
func (e *TipEngine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.persistLoop(ctx)
}

// Wait blocks until the persistence loop has flushed and exited.
func (e *TipEngine) Wait() {
	e.wg.Wait()
}

func (e *TipEngine) persistLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.persistIvl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.flush(context.Background())
			return
		case <-ticker.C:
			e.flush(ctx)
		}
	}
}

// flush persists observations recorded since the last flush.
func (e *TipEngine) flush(ctx context.Context) {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := e.store.SaveTipObservations(ctx, batch, e.window); err != nil {
		e.logger.Error("tip-persist-failed", zap.Error(err), zap.Int("batch", len(batch)))
		// Put the batch back so the next flush retries it.
		e.mu.Lock()
		e.pending = append(batch, e.pending...)
		e.mu.Unlock()
	}
}
