package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/mshafiee/chimera/pkg/types"
	"go.uber.org/zap"
)

// Queue is the bounded three-tier admission buffer. Dequeue is strict
// priority, never weighted-fair: exits first, then conservative entries,
// then aggressive entries. FIFO within a tier. Under sustained pressure
// the aggressive tier starves; that is accepted behavior.
//
// The queue is built for a single dispatch-loop consumer; producers may
// be many.
type Queue struct {
	mu    sync.Mutex
	tiers [3][]*types.Signal
	size  int

	capacity      int
	shedThreshold int

	wake   chan struct{}
	logger *zap.Logger
}

// Config holds queue configuration.
type Config struct {
	Capacity     int
	ShedFraction float64
	Logger       *zap.Logger
}

// New creates an admission queue.
func New(cfg *Config) (*Queue, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive")
	}
	if cfg.ShedFraction <= 0 || cfg.ShedFraction > 1.0 {
		return nil, fmt.Errorf("shed fraction must be in (0, 1]")
	}

	return &Queue{
		capacity:      cfg.Capacity,
		shedThreshold: int(float64(cfg.Capacity) * cfg.ShedFraction),
		wake:          make(chan struct{}, 1),
		logger:        cfg.Logger,
	}, nil
}

// Enqueue admits a signal into its tier. Aggressive signals arriving above
// the shed threshold are refused with a shed rejection, distinguishable
// from validation rejection. Exit and conservative tiers are never shed;
// they fail only at hard capacity.
func (q *Queue) Enqueue(sig *types.Signal) error {
	if !sig.Tier.Valid() {
		return types.Reject(types.ReasonInvalidPayload, "unknown tier %q", sig.Tier)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size >= q.capacity {
		SignalsRefusedTotal.WithLabelValues(string(sig.Tier), "full").Inc()
		return types.ErrQueueFull
	}

	if sig.Tier == types.TierAggressive && q.size >= q.shedThreshold {
		q.logger.Warn("signal-shed",
			zap.String("key", sig.IdempotencyKey),
			zap.Int("occupancy", q.size),
			zap.Int("shed_threshold", q.shedThreshold))
		SignalsRefusedTotal.WithLabelValues(string(sig.Tier), "shed").Inc()
		return types.Reject(types.ReasonQueueShed,
			"occupancy %d over shed threshold %d", q.size, q.shedThreshold)
	}

	idx := sig.Tier.Priority()
	q.tiers[idx] = append(q.tiers[idx], sig)
	q.size++

	SignalsEnqueuedTotal.WithLabelValues(string(sig.Tier)).Inc()
	QueueOccupancy.Set(float64(q.size))

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// tryPop removes the oldest signal from the highest occupied tier.
func (q *Queue) tryPop() *types.Signal {
	q.mu.Lock()
	defer q.mu.Unlock()

	for idx := range q.tiers {
		if len(q.tiers[idx]) == 0 {
			continue
		}
		sig := q.tiers[idx][0]
		q.tiers[idx] = q.tiers[idx][1:]
		q.size--
		QueueOccupancy.Set(float64(q.size))
		return sig
	}
	return nil
}

// Dequeue blocks until a signal is available or the context ends.
func (q *Queue) Dequeue(ctx context.Context) (*types.Signal, error) {
	for {
		if sig := q.tryPop(); sig != nil {
			return sig, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// Len returns current occupancy.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
