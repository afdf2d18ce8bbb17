package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mshafiee/chimera/internal/groundtruth"
	"github.com/mshafiee/chimera/pkg/types"
	"go.uber.org/zap"
)

// StuckSource lists positions stuck in Exiting past the cutoff.
type StuckSource interface {
	ListStuckExiting(ctx context.Context, cutoff time.Time) ([]*types.Position, error)
}

// Machine is the slice of the state machine the sweep repairs through.
type Machine interface {
	CompleteExit(ctx context.Context, key string, proof common.Hash, exitPrice float64) (float64, error)
	RevertExit(ctx context.Context, key string) error
}

// Truth answers what actually happened to a submission.
type Truth interface {
	LookupByKey(ctx context.Context, key string) (*groundtruth.SubmissionRecord, error)
}

// OutcomeSink receives realized results of closes the sweep settles.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, realized float64)
}

// Sweep periodically repairs positions stuck in Exiting: an exit whose
// submission never landed reverts to Active, one that landed without
// the process seeing the confirmation advances to Closed.
type Sweep struct {
	store    StuckSource
	machine  Machine
	truth    Truth
	outcomes OutcomeSink

	interval   time.Duration
	stuckAfter time.Duration

	logger *zap.Logger
	wg     sync.WaitGroup
}

// Config holds sweep configuration.
type Config struct {
	Store    StuckSource
	Machine  Machine
	Truth    Truth
	Outcomes OutcomeSink

	Interval time.Duration
	// StuckAfter is how long a position may sit in Exiting before the
	// sweep interrogates ground truth about it. It must comfortably
	// exceed the confirmation budget, or the sweep races the workers.
	StuckAfter time.Duration

	Logger *zap.Logger
}

// New creates a recovery sweep.
func New(cfg *Config) (*Sweep, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Store == nil || cfg.Machine == nil || cfg.Truth == nil || cfg.Outcomes == nil {
		return nil, fmt.Errorf("store, machine, truth, and outcomes are required")
	}
	if cfg.Interval <= 0 || cfg.StuckAfter <= 0 {
		return nil, fmt.Errorf("interval and stuck timeout must be positive")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Sweep{
		store:      cfg.Store,
		machine:    cfg.Machine,
		truth:      cfg.Truth,
		outcomes:   cfg.Outcomes,
		interval:   cfg.Interval,
		stuckAfter: cfg.StuckAfter,
		logger:     cfg.Logger,
	}, nil
}

// Start launches the sweep loop.
func (s *Sweep) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Wait blocks until the sweep loop exits.
func (s *Sweep) Wait() {
	s.wg.Wait()
}

func (s *Sweep) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce settles every currently stuck exit.
func (s *Sweep) RunOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.stuckAfter)
	stuck, err := s.store.ListStuckExiting(ctx, cutoff)
	if err != nil {
		s.logger.Error("stuck-exit-scan-failed", zap.Error(err))
		return
	}

	for _, p := range stuck {
		s.settle(ctx, p)
	}
}

// settle repairs one stuck exit against ground truth. An existing,
// unexpired but unconfirmed submission is left alone for the next pass.
func (s *Sweep) settle(ctx context.Context, p *types.Position) {
	record, err := s.truth.LookupByKey(ctx, p.IdempotencyKey)
	if err != nil {
		s.logger.Error("exit-truth-lookup-failed",
			zap.String("key", p.IdempotencyKey), zap.Error(err))
		return
	}

	switch {
	case !record.Exists || record.Expired:
		if err := s.machine.RevertExit(ctx, p.IdempotencyKey); err != nil {
			s.logger.Error("exit-revert-failed",
				zap.String("key", p.IdempotencyKey), zap.Error(err))
			return
		}
		s.logger.Warn("stuck-exit-reverted",
			zap.String("key", p.IdempotencyKey),
			zap.Bool("expired", record.Expired))
		RepairsTotal.WithLabelValues("reverted").Inc()

	case record.State == "confirmed":
		realized, err := s.machine.CompleteExit(ctx, p.IdempotencyKey, record.Proof, record.Price)
		if err != nil {
			s.logger.Error("exit-complete-failed",
				zap.String("key", p.IdempotencyKey), zap.Error(err))
			return
		}
		s.outcomes.RecordOutcome(ctx, realized)
		s.logger.Info("stuck-exit-closed",
			zap.String("key", p.IdempotencyKey),
			zap.Float64("realized", realized))
		RepairsTotal.WithLabelValues("closed").Inc()

	default:
		s.logger.Debug("stuck-exit-still-pending", zap.String("key", p.IdempotencyKey))
	}
}
