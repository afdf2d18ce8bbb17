package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mshafiee/chimera/internal/backend"
	"github.com/mshafiee/chimera/pkg/types"
	"go.uber.org/zap"
)

// Source is the admission queue side the executor consumes.
type Source interface {
	Dequeue(ctx context.Context) (*types.Signal, error)
}

// Machine is the slice of the position state machine the executor drives.
type Machine interface {
	BindExecution(ctx context.Context, key string, mode types.BackendMode) error
	ResumeRetry(ctx context.Context, key string, mode types.BackendMode) error
	Activate(ctx context.Context, key string, proof common.Hash, entryPrice float64) error
	Fail(ctx context.Context, key string) error
	ScheduleRetry(ctx context.Context, key string, retryCount int) error
	DeadLetter(ctx context.Context, key string) error
	BeginExit(ctx context.Context, key string) error
	CompleteExit(ctx context.Context, key string, proof common.Hash, exitPrice float64) (float64, error)
	RevertExit(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (*types.Position, error)
}

// Backends exposes the selector: the mode read at dequeue, the submitter
// for a bound mode, and the result feedback that drives failover.
type Backends interface {
	Mode() types.BackendMode
	Pick(mode types.BackendMode) backend.Submitter
	RecordResult(mode types.BackendMode, latency time.Duration, err error)
}

// TipSource sizes tips for primary submissions and records winning tips.
type TipSource interface {
	TipFor(tier types.Tier, size float64) float64
	Record(tier types.Tier, tip float64)
}

// OutcomeSink receives realized results of closed positions.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, realized float64)
}

// Executor drains the admission queue through a small worker pool. One
// dispatch loop preserves the queue's strict priority order; workers
// only block on backend calls.
type Executor struct {
	queue    Source
	machine  Machine
	backends Backends
	tips     TipSource
	outcomes OutcomeSink

	workers        int
	confirmTimeout time.Duration
	confirmPoll    time.Duration
	maxRetries     int
	retryBackoff   time.Duration

	// onTrade is called after an entry activates or an exit closes.
	// Optional, used by the streaming surface.
	onTrade func(p *types.Position, realized float64, closed bool)

	jobs   chan *types.Signal
	logger *zap.Logger
	wg     sync.WaitGroup
}

// Config holds executor configuration.
type Config struct {
	Queue    Source
	Machine  Machine
	Backends Backends
	Tips     TipSource
	Outcomes OutcomeSink

	Workers        int
	ConfirmTimeout time.Duration
	// ConfirmPollInterval is how often an in-flight submission is polled
	// inside the confirmation budget.
	ConfirmPollInterval time.Duration
	MaxRetries          int
	RetryBackoff        time.Duration

	Logger *zap.Logger
}

// New creates an executor.
func New(cfg *Config) (*Executor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Queue == nil || cfg.Machine == nil || cfg.Backends == nil {
		return nil, fmt.Errorf("queue, machine, and backends are required")
	}
	if cfg.Tips == nil || cfg.Outcomes == nil {
		return nil, fmt.Errorf("tips and outcomes are required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive")
	}
	if cfg.ConfirmTimeout <= 0 || cfg.ConfirmPollInterval <= 0 {
		return nil, fmt.Errorf("confirm timeout and poll interval must be positive")
	}
	if cfg.MaxRetries < 0 || cfg.RetryBackoff <= 0 {
		return nil, fmt.Errorf("retry budget must be non-negative with positive backoff")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Executor{
		queue:          cfg.Queue,
		machine:        cfg.Machine,
		backends:       cfg.Backends,
		tips:           cfg.Tips,
		outcomes:       cfg.Outcomes,
		workers:        cfg.Workers,
		confirmTimeout: cfg.ConfirmTimeout,
		confirmPoll:    cfg.ConfirmPollInterval,
		maxRetries:     cfg.MaxRetries,
		retryBackoff:   cfg.RetryBackoff,
		jobs:           make(chan *types.Signal),
		logger:         cfg.Logger,
	}, nil
}

// SetOnTrade registers the trade observer.
func (e *Executor) SetOnTrade(fn func(p *types.Position, realized float64, closed bool)) {
	e.onTrade = fn
}

// Start launches the dispatch loop and the worker pool.
func (e *Executor) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.dispatchLoop(ctx)

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx, i)
	}
}

// Wait blocks until the dispatch loop and all workers have exited.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()
	defer close(e.jobs)

	for {
		sig, err := e.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		select {
		case e.jobs <- sig:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Executor) workerLoop(ctx context.Context, id int) {
	defer e.wg.Done()
	e.logger.Debug("worker-started", zap.Int("worker", id))

	for sig := range e.jobs {
		if sig.IsExit() {
			e.handleExit(ctx, sig)
		} else {
			e.handleEntry(ctx, sig)
		}
	}
}

// admitWaitBudget bounds how long a worker waits for a dequeued signal's
// position row to land in the ledger as Queued. The row can be missing or
// still Pending when the worker races the admission path.
const admitWaitBudget = 2 * time.Second

// awaitQueued waits out the window between a signal entering the queue
// and its position row being admitted. Missing rows and Pending rows are
// both transient here; any other state means the signal is not ours to run.
func (e *Executor) awaitQueued(ctx context.Context, key string) bool {
	deadline := time.Now().Add(admitWaitBudget)
	for {
		p, err := e.machine.Get(ctx, key)
		switch {
		case err == nil && p.State == types.StateQueued:
			return true
		case err == nil && p.State != types.StatePending:
			return false
		case err != nil && !errors.Is(err, types.ErrPositionNotFound):
			return false
		}
		if time.Now().After(deadline) {
			e.logger.Error("admit-wait-expired", zap.String("key", key))
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// handleEntry runs one entry signal through bind, submit, confirm, and
// the bounded retry budget. The backend mode is bound at dequeue and
// again at each retry resume, never mid-attempt.
func (e *Executor) handleEntry(ctx context.Context, sig *types.Signal) {
	key := sig.IdempotencyKey
	if !e.awaitQueued(ctx, key) {
		e.logger.Error("entry-not-queued", zap.String("key", key))
		return
	}

	mode := e.backends.Mode()
	if err := e.machine.BindExecution(ctx, key, mode); err != nil {
		e.logger.Error("bind-execution-failed", zap.String("key", key), zap.Error(err))
		return
	}

	for attempt := 0; ; attempt++ {
		req := &backend.SubmissionRequest{
			Key:    key,
			Side:   sig.Side,
			Size:   sig.Size,
			Target: sig.Target,
			Wallet: sig.Wallet,
		}
		if mode == types.ModePrimary {
			req.Tip = e.tips.TipFor(sig.Tier, sig.Size)
		}

		conf, err := e.submitAndConfirm(ctx, mode, req)
		if err == nil {
			if err := e.machine.Activate(ctx, key, conf.Proof, conf.Price); err != nil {
				e.logger.Error("activate-failed", zap.String("key", key), zap.Error(err))
				return
			}
			if mode == types.ModePrimary && conf.Tip > 0 {
				e.tips.Record(sig.Tier, conf.Tip)
			}
			EntriesTotal.WithLabelValues("activated").Inc()
			e.emitTrade(ctx, key, 0, false)
			return
		}

		e.logger.Warn("entry-attempt-failed",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if err := e.machine.Fail(ctx, key); err != nil {
			e.logger.Error("fail-transition-failed", zap.String("key", key), zap.Error(err))
			return
		}

		next := attempt + 1
		if err := e.machine.ScheduleRetry(ctx, key, next); err != nil {
			e.logger.Error("schedule-retry-failed", zap.String("key", key), zap.Error(err))
			return
		}

		if next > e.maxRetries {
			if err := e.machine.DeadLetter(ctx, key); err != nil {
				e.logger.Error("dead-letter-failed", zap.String("key", key), zap.Error(err))
			}
			EntriesTotal.WithLabelValues("dead_lettered").Inc()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(next) * e.retryBackoff):
		}

		// A retry is a fresh attempt: re-read the global mode.
		mode = e.backends.Mode()
		if err := e.machine.ResumeRetry(ctx, key, mode); err != nil {
			e.logger.Error("resume-retry-failed", zap.String("key", key), zap.Error(err))
			return
		}
		RetriesTotal.Inc()
	}
}

// handleExit unwinds the referenced position. A submit failure reverts
// the position to Active; a confirmation timeout leaves it Exiting for
// the recovery sweep to repair against ground truth.
func (e *Executor) handleExit(ctx context.Context, sig *types.Signal) {
	key := sig.PositionKey

	p, err := e.machine.Get(ctx, key)
	if err != nil {
		e.logger.Error("exit-position-missing", zap.String("key", key), zap.Error(err))
		return
	}

	if err := e.machine.BeginExit(ctx, key); err != nil {
		e.logger.Warn("begin-exit-refused", zap.String("key", key), zap.Error(err))
		return
	}

	mode := e.backends.Mode()
	req := &backend.SubmissionRequest{
		Key:    key,
		Side:   opposite(p.Side),
		Size:   p.Size,
		Target: p.Target,
		Wallet: p.Wallet,
		Exit:   true,
	}
	if mode == types.ModePrimary {
		// Exit tips are sized by the position's own tier.
		req.Tip = e.tips.TipFor(p.Tier, p.Size)
	}

	conf, err := e.submitAndConfirm(ctx, mode, req)
	if err != nil {
		if errors.Is(err, types.ErrConfirmTimeout) {
			// The submission may still land. Leave Exiting; the sweep
			// settles it against ground truth.
			e.logger.Warn("exit-confirm-timed-out", zap.String("key", key))
			ExitsTotal.WithLabelValues("timed_out").Inc()
			return
		}
		e.logger.Warn("exit-submit-failed", zap.String("key", key), zap.Error(err))
		if err := e.machine.RevertExit(ctx, key); err != nil {
			e.logger.Error("revert-exit-failed", zap.String("key", key), zap.Error(err))
		}
		ExitsTotal.WithLabelValues("reverted").Inc()
		return
	}

	realized, err := e.machine.CompleteExit(ctx, key, conf.Proof, conf.Price)
	if err != nil {
		e.logger.Error("complete-exit-failed", zap.String("key", key), zap.Error(err))
		return
	}

	if mode == types.ModePrimary && conf.Tip > 0 {
		e.tips.Record(p.Tier, conf.Tip)
	}
	e.outcomes.RecordOutcome(ctx, realized)
	ExitsTotal.WithLabelValues("closed").Inc()
	e.emitTrade(ctx, key, realized, true)
}

// submitAndConfirm runs one submission round trip against the submitter
// for the bound mode, polling inside the confirmation budget. Every
// round trip outcome is fed back to the selector.
func (e *Executor) submitAndConfirm(ctx context.Context, mode types.BackendMode, req *backend.SubmissionRequest) (*backend.Confirmation, error) {
	sub := e.backends.Pick(mode)
	start := time.Now()

	ref, err := sub.Submit(ctx, req)
	if err != nil {
		e.backends.RecordResult(mode, time.Since(start), err)
		SubmissionFailuresTotal.WithLabelValues(string(mode)).Inc()
		return nil, err
	}

	deadline := time.NewTimer(e.confirmTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(e.confirmPoll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			e.backends.RecordResult(mode, time.Since(start), types.ErrConfirmTimeout)
			return nil, types.ErrConfirmTimeout
		case <-poll.C:
			conf, done, err := sub.Confirm(ctx, ref)
			if err != nil {
				e.backends.RecordResult(mode, time.Since(start), err)
				return nil, err
			}
			if done {
				e.backends.RecordResult(mode, time.Since(start), nil)
				return conf, nil
			}
		}
	}
}

func (e *Executor) emitTrade(ctx context.Context, key string, realized float64, closed bool) {
	if e.onTrade == nil {
		return
	}
	if p, err := e.machine.Get(ctx, key); err == nil {
		e.onTrade(p, realized, closed)
	}
}

func opposite(side types.Side) types.Side {
	if side == types.SideBuy {
		return types.SideSell
	}
	return types.SideBuy
}
