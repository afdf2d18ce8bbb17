package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// State is a position's lifecycle stage. Transitions are monotonic along
// the graph owned by the position state machine; terminal states are
// immutable and retained for audit.
type State string

const (
	StatePending      State = "pending"
	StateQueued       State = "queued"
	StateExecuting    State = "executing"
	StateActive       State = "active"
	StateFailed       State = "failed"
	StateRetrying     State = "retrying"
	StateExiting      State = "exiting"
	StateClosed       State = "closed"
	StateDeadLettered State = "dead_lettered"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateDeadLettered
}

// BackendMode identifies which submission path a position was bound to
// at dequeue. The mode is a single process-wide value; a position commits
// to whichever mode was active when its attempt started.
type BackendMode string

const (
	ModePrimary   BackendMode = "primary"
	ModeSecondary BackendMode = "secondary"
)

// Position is the authoritative record of one signal's lifecycle.
// It is owned exclusively by the position state machine; every other
// component reads it or requests transitions through the machine.
type Position struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Tier           Tier           `json:"tier"`
	Side           Side           `json:"side"`
	Size           float64        `json:"size"`
	Target         common.Address `json:"target"`
	Wallet         common.Address `json:"wallet"`

	State       State       `json:"state"`
	BoundMode   BackendMode `json:"bound_mode,omitempty"`
	EntryPrice  float64     `json:"entry_price,omitempty"`
	EntryProof  common.Hash `json:"entry_proof,omitempty"`
	ExitPrice   float64     `json:"exit_price,omitempty"`
	ExitProof   common.Hash `json:"exit_proof,omitempty"`
	RealizedPnL float64     `json:"realized_pnl,omitempty"`
	RetryCount  int         `json:"retry_count"`

	CreatedAt      time.Time `json:"created_at"`
	TransitionedAt time.Time `json:"transitioned_at"`
	ClosedAt       time.Time `json:"closed_at,omitempty"`
}

// UnrealizedPnL computes the open outcome against a mark price.
// Returns 0 when the position has no recorded entry.
func (p *Position) UnrealizedPnL(mark float64) float64 {
	if p.EntryPrice == 0 || mark == 0 {
		return 0
	}
	return (mark - p.EntryPrice) * p.Size * p.Side.Sign()
}
