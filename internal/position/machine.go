package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mshafiee/chimera/internal/storage"
	"github.com/mshafiee/chimera/pkg/types"
	"go.uber.org/zap"
)

// Store is the slice of the persistence layer the machine drives.
type Store interface {
	InsertPosition(ctx context.Context, p *types.Position) error
	GetPosition(ctx context.Context, key string) (*types.Position, error)
	ApplyTransition(ctx context.Context, key string, from types.State, u storage.TransitionUpdate) error
	ListPositionsByState(ctx context.Context, state types.State) ([]*types.Position, error)
}

// transitions is the lifecycle graph. Any edge not listed here is invalid
// and is rejected with an audit log entry, never silently ignored.
var transitions = map[types.State][]types.State{
	types.StatePending:   {types.StateQueued},
	types.StateQueued:    {types.StateExecuting},
	types.StateExecuting: {types.StateActive, types.StateFailed},
	types.StateFailed:    {types.StateRetrying},
	types.StateRetrying:  {types.StateExecuting, types.StateDeadLettered},
	types.StateActive:    {types.StateExiting},
	// Exiting reverts to Active when the recovery sweep finds the exit
	// submission absent or expired on the ground-truth source.
	types.StateExiting: {types.StateClosed, types.StateActive},
}

func edgeAllowed(from, to types.State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine owns the authoritative lifecycle of every position. All other
// components read positions or request transitions through it.
type Machine struct {
	store  Store
	logger *zap.Logger

	// notify is called after every persisted transition, for the
	// streaming surface. Optional.
	notify func(*types.Position)
}

// Config holds machine configuration.
type Config struct {
	Store  Store
	Logger *zap.Logger
}

// New creates a position state machine.
func New(cfg *Config) (*Machine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Machine{
		store:  cfg.Store,
		logger: cfg.Logger,
	}, nil
}

// SetNotify registers the transition observer.
func (m *Machine) SetNotify(fn func(*types.Position)) {
	m.notify = fn
}

// Create persists a new Pending position for an accepted entry signal.
func (m *Machine) Create(ctx context.Context, sig *types.Signal) (*types.Position, error) {
	now := time.Now().UTC()
	p := &types.Position{
		IdempotencyKey: sig.IdempotencyKey,
		Tier:           sig.Tier,
		Side:           sig.Side,
		Size:           sig.Size,
		Target:         sig.Target,
		Wallet:         sig.Wallet,
		State:          types.StatePending,
		CreatedAt:      now,
		TransitionedAt: now,
	}

	if err := m.store.InsertPosition(ctx, p); err != nil {
		return nil, fmt.Errorf("create position: %w", err)
	}

	PositionsCreatedTotal.Inc()
	m.emit(p)
	return p, nil
}

// transition validates the edge against the graph and the durable row,
// then applies it with a compare-and-swap on the source state.
func (m *Machine) transition(ctx context.Context, key string, from, to types.State, u storage.TransitionUpdate) error {
	if !edgeAllowed(from, to) {
		m.logger.Error("transition-rejected",
			zap.String("key", key),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		TransitionsRejectedTotal.Inc()
		return fmt.Errorf("%s -> %s: %w", from, to, types.ErrInvalidTransition)
	}

	u.To = to
	if err := m.store.ApplyTransition(ctx, key, from, u); err != nil {
		if errors.Is(err, types.ErrStaleState) || errors.Is(err, types.ErrPositionNotFound) {
			m.logger.Error("transition-rejected-stale",
				zap.String("key", key),
				zap.String("from", string(from)),
				zap.String("to", string(to)),
				zap.Error(err))
			TransitionsRejectedTotal.Inc()
		}
		return err
	}

	TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	m.logger.Info("position-transitioned",
		zap.String("key", key),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	if m.notify != nil {
		if p, err := m.store.GetPosition(ctx, key); err == nil {
			m.emit(p)
		}
	}
	return nil
}

func (m *Machine) emit(p *types.Position) {
	if m.notify != nil {
		m.notify(p)
	}
}

// Admit moves an admitted position into the queue: Pending -> Queued.
// Admission checks (circuit breaker, risk screen) happen before this call.
func (m *Machine) Admit(ctx context.Context, key string) error {
	return m.transition(ctx, key, types.StatePending, types.StateQueued, storage.TransitionUpdate{})
}

// BindExecution starts an execution attempt: Queued -> Executing. The
// backend mode active at dequeue is bound for the whole attempt and is
// never revised mid-flight.
func (m *Machine) BindExecution(ctx context.Context, key string, mode types.BackendMode) error {
	return m.transition(ctx, key, types.StateQueued, types.StateExecuting,
		storage.TransitionUpdate{BoundMode: &mode})
}

// Activate records backend confirmation: Executing -> Active.
func (m *Machine) Activate(ctx context.Context, key string, proof common.Hash, entryPrice float64) error {
	return m.transition(ctx, key, types.StateExecuting, types.StateActive,
		storage.TransitionUpdate{EntryProof: &proof, EntryPrice: &entryPrice})
}

// Fail records backend rejection or confirmation timeout: Executing -> Failed.
func (m *Machine) Fail(ctx context.Context, key string) error {
	return m.transition(ctx, key, types.StateExecuting, types.StateFailed, storage.TransitionUpdate{})
}

// ScheduleRetry moves a failed position into the durable retry state:
// Failed -> Retrying. The attempt counter is part of the inspectable row.
func (m *Machine) ScheduleRetry(ctx context.Context, key string, retryCount int) error {
	return m.transition(ctx, key, types.StateFailed, types.StateRetrying,
		storage.TransitionUpdate{RetryCount: &retryCount})
}

// ResumeRetry starts a fresh attempt: Retrying -> Executing, binding the
// mode active at resume time.
func (m *Machine) ResumeRetry(ctx context.Context, key string, mode types.BackendMode) error {
	return m.transition(ctx, key, types.StateRetrying, types.StateExecuting,
		storage.TransitionUpdate{BoundMode: &mode})
}

// DeadLetter terminates a position whose retry budget is exhausted:
// Retrying -> DeadLettered.
func (m *Machine) DeadLetter(ctx context.Context, key string) error {
	return m.transition(ctx, key, types.StateRetrying, types.StateDeadLettered, storage.TransitionUpdate{})
}

// BeginExit reacts to a matching exit signal: Active -> Exiting.
func (m *Machine) BeginExit(ctx context.Context, key string) error {
	return m.transition(ctx, key, types.StateActive, types.StateExiting, storage.TransitionUpdate{})
}

// CompleteExit confirms the exit submission and computes the realized
// outcome: Exiting -> Closed.
func (m *Machine) CompleteExit(ctx context.Context, key string, proof common.Hash, exitPrice float64) (float64, error) {
	p, err := m.store.GetPosition(ctx, key)
	if err != nil {
		return 0, err
	}

	realized := (exitPrice - p.EntryPrice) * p.Size * p.Side.Sign()
	err = m.transition(ctx, key, types.StateExiting, types.StateClosed,
		storage.TransitionUpdate{ExitProof: &proof, ExitPrice: &exitPrice, RealizedPnL: &realized})
	if err != nil {
		return 0, err
	}

	RealizedPnLTotal.Add(realized)
	return realized, nil
}

// RevertExit undoes a stuck exit whose submission never landed:
// Exiting -> Active. The position stays directly eligible for a fresh
// exit signal; it does not re-enter the admission queue.
func (m *Machine) RevertExit(ctx context.Context, key string) error {
	return m.transition(ctx, key, types.StateExiting, types.StateActive, storage.TransitionUpdate{})
}

// Get returns one position.
func (m *Machine) Get(ctx context.Context, key string) (*types.Position, error) {
	return m.store.GetPosition(ctx, key)
}

// ListByState returns positions in the given state.
func (m *Machine) ListByState(ctx context.Context, state types.State) ([]*types.Position, error) {
	return m.store.ListPositionsByState(ctx, state)
}
