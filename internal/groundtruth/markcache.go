package groundtruth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mshafiee/chimera/pkg/cache"
	"github.com/mshafiee/chimera/pkg/types"
	"go.uber.org/zap"
)

// MarkSource fetches a batch of mark prices.
type MarkSource interface {
	MarkPrices(ctx context.Context, targets []common.Address) (map[common.Address]float64, error)
}

// PositionSource lists the positions whose targets need marking.
type PositionSource interface {
	ListPositionsByState(ctx context.Context, state types.State) ([]*types.Position, error)
}

// MarkCache serves mark prices for open positions from a periodically
// refreshed cache. Entries outlive one missed refresh but expire after
// two, so a dead ground-truth source degrades to "no mark" rather than
// a stale one.
type MarkCache struct {
	cache     cache.Cache
	source    MarkSource
	positions PositionSource
	interval  time.Duration
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// MarkCacheConfig holds mark cache configuration.
type MarkCacheConfig struct {
	Cache           cache.Cache
	Source          MarkSource
	Positions       PositionSource
	RefreshInterval time.Duration
	Logger          *zap.Logger
}

// NewMarkCache creates a mark cache.
func NewMarkCache(cfg *MarkCacheConfig) (*MarkCache, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Cache == nil || cfg.Source == nil || cfg.Positions == nil {
		return nil, fmt.Errorf("cache, source, and positions are required")
	}
	if cfg.RefreshInterval <= 0 {
		return nil, fmt.Errorf("refresh interval must be positive")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &MarkCache{
		cache:     cfg.Cache,
		source:    cfg.Source,
		positions: cfg.Positions,
		interval:  cfg.RefreshInterval,
		logger:    cfg.Logger,
	}, nil
}

// Mark returns the cached mark price for a target.
func (m *MarkCache) Mark(target common.Address) (float64, bool) {
	value, ok := m.cache.Get("mark:" + target.Hex())
	if !ok {
		return 0, false
	}
	mark, ok := value.(float64)
	return mark, ok
}

// Start launches the refresh loop.
func (m *MarkCache) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.refreshLoop(ctx)
}

// Wait blocks until the refresh loop exits.
func (m *MarkCache) Wait() {
	m.wg.Wait()
}

func (m *MarkCache) refreshLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Prime once at startup so the breaker's first scan has marks.
	m.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Refresh marks every target with an active or exiting position.
func (m *MarkCache) Refresh(ctx context.Context) {
	targets := make(map[common.Address]struct{})
	for _, state := range []types.State{types.StateActive, types.StateExiting} {
		open, err := m.positions.ListPositionsByState(ctx, state)
		if err != nil {
			m.logger.Error("mark-refresh-list-failed", zap.Error(err))
			return
		}
		for _, p := range open {
			targets[p.Target] = struct{}{}
		}
	}
	if len(targets) == 0 {
		return
	}

	batch := make([]common.Address, 0, len(targets))
	for target := range targets {
		batch = append(batch, target)
	}

	marks, err := m.source.MarkPrices(ctx, batch)
	if err != nil {
		m.logger.Error("mark-refresh-failed", zap.Error(err))
		MarkRefreshFailuresTotal.Inc()
		return
	}

	for target, price := range marks {
		m.cache.Set("mark:"+target.Hex(), price, 2*m.interval)
	}
	// Ristretto applies sets asynchronously; wait so the next breaker
	// scan observes this refresh.
	if w, ok := m.cache.(interface{ Wait() }); ok {
		w.Wait()
	}

	MarksRefreshedTotal.Add(float64(len(marks)))
	m.logger.Debug("marks-refreshed", zap.Int("targets", len(marks)))
}
