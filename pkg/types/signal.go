package types

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Tier is the fixed priority class of a signal. Exit signals always
// outrank entries; aggressive entries are the first shed under load.
type Tier string

const (
	TierExit         Tier = "exit"
	TierConservative Tier = "conservative"
	TierAggressive   Tier = "aggressive"
)

// Priority returns the dequeue rank of the tier. Lower is served first.
func (t Tier) Priority() int {
	switch t {
	case TierExit:
		return 0
	case TierConservative:
		return 1
	case TierAggressive:
		return 2
	default:
		return 3
	}
}

// Valid reports whether the tier is one of the three fixed classes.
func (t Tier) Valid() bool {
	return t == TierExit || t == TierConservative || t == TierAggressive
}

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is recognised.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Sign returns +1 for buys and -1 for sells, used when computing outcomes.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Signal is a validated inbound instruction to open or unwind a position.
type Signal struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Tier           Tier           `json:"tier"`
	Side           Side           `json:"side"`
	Size           float64        `json:"size"`
	Target         common.Address `json:"target"`
	Wallet         common.Address `json:"wallet"`
	// PositionKey references the position an exit signal unwinds.
	// Empty for entries.
	PositionKey string    `json:"position_key,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// IsExit reports whether the signal unwinds an existing position.
func (s *Signal) IsExit() bool {
	return s.Tier == TierExit
}

// DeriveIdempotencyKey computes a deterministic key from the signal
// identity fields so identical retries collapse to one logical signal.
func DeriveIdempotencyKey(ts int64, target common.Address, side Side, size float64) string {
	payload := fmt.Sprintf("%d|%s|%s|%s",
		ts,
		target.Hex(),
		side,
		strconv.FormatFloat(size, 'f', -1, 64))
	return crypto.Keccak256Hash([]byte(payload)).Hex()
}
