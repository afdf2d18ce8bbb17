package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	json "github.com/goccy/go-json"
	"github.com/mshafiee/chimera/pkg/types"
	"go.uber.org/zap"
)

// Store is the slice of persistence the validator needs: duplicate
// suppression across the ledger and the rejection archive, plus the
// roster membership screen.
type Store interface {
	KeyExists(ctx context.Context, key string) (bool, error)
	ArchiveRejection(ctx context.Context, key string, reason types.ReasonCode, detail string) error
	RosterContains(ctx context.Context, wallet common.Address) (bool, error)
	GetPosition(ctx context.Context, key string) (*types.Position, error)
}

// Admission gates consulted before a signal is buffered.
type Admission interface {
	// Allow reports whether the circuit breaker currently admits signals.
	Allow() bool
}

// ModeSource reports the current backend mode. While the secondary path
// is active the aggressive tier is refused, because the secondary backend
// lacks the bundling guarantee that tier depends on.
type ModeSource interface {
	Mode() types.BackendMode
}

// Sink receives validated, admitted signals.
type Sink interface {
	Enqueue(sig *types.Signal) error
}

// Machine creates positions for admitted entry signals.
type Machine interface {
	Create(ctx context.Context, sig *types.Signal) (*types.Position, error)
	Admit(ctx context.Context, key string) error
}

// Validator authenticates inbound signals, enforces freshness and
// idempotency, screens admission, and forwards survivors to the queue.
type Validator struct {
	secret         []byte
	rotationSecret []byte // second live secret during rotation, may be nil
	window         time.Duration
	maxSize        float64

	store   Store
	breaker Admission
	modes   ModeSource
	queue   Sink
	machine Machine
	logger  *zap.Logger
}

// Config holds validator configuration.
type Config struct {
	Secret          string
	RotationSecret  string
	FreshnessWindow time.Duration
	MaxPositionSize float64

	Store   Store
	Breaker Admission
	Modes   ModeSource
	Queue   Sink
	Machine Machine
	Logger  *zap.Logger
}

// New creates an ingress validator.
func New(cfg *Config) (*Validator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("secret cannot be empty")
	}
	if cfg.FreshnessWindow <= 0 {
		return nil, fmt.Errorf("freshness window must be positive")
	}
	if cfg.Store == nil || cfg.Queue == nil || cfg.Machine == nil {
		return nil, fmt.Errorf("store, queue, and machine are required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	v := &Validator{
		secret:  []byte(cfg.Secret),
		window:  cfg.FreshnessWindow,
		maxSize: cfg.MaxPositionSize,
		store:   cfg.Store,
		breaker: cfg.Breaker,
		modes:   cfg.Modes,
		queue:   cfg.Queue,
		machine: cfg.Machine,
		logger:  cfg.Logger,
	}
	if cfg.RotationSecret != "" {
		v.rotationSecret = []byte(cfg.RotationSecret)
	}
	return v, nil
}

// payload is the raw wire shape of an inbound signal.
type payload struct {
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	Tier           string  `json:"tier"`
	Side           string  `json:"side"`
	Size           float64 `json:"size"`
	Target         string  `json:"target"`
	Wallet         string  `json:"wallet"`
	PositionKey    string  `json:"position_key,omitempty"`
}

// verifySignature checks the HMAC against every live secret using a
// constant-time comparison. Two secrets are live during a rotation
// grace window.
func (v *Validator) verifySignature(body []byte, tsHeader, sigHeader string) bool {
	provided, err := hex.DecodeString(sigHeader)
	if err != nil {
		return false
	}

	message := append([]byte(tsHeader+"."), body...)

	for _, secret := range [][]byte{v.secret, v.rotationSecret} {
		if len(secret) == 0 {
			continue
		}
		mac := hmac.New(sha256.New, secret)
		mac.Write(message)
		if hmac.Equal(mac.Sum(nil), provided) {
			return true
		}
	}
	return false
}

// reject archives the refusal and returns the rejection error.
func (v *Validator) reject(ctx context.Context, key string, rej *types.RejectionError) error {
	v.logger.Warn("signal-rejected",
		zap.String("key", key),
		zap.String("reason", string(rej.Code)),
		zap.String("detail", rej.Detail))
	SignalsRejectedTotal.WithLabelValues(string(rej.Code)).Inc()

	if err := v.store.ArchiveRejection(ctx, key, rej.Code, rej.Detail); err != nil {
		v.logger.Error("rejection-archive-failed", zap.Error(err))
	}
	return rej
}

// Accept validates one raw signal and, on success, admits it into the
// queue. It returns the idempotency key (echoed to the submitter) and
// the rejection, if any. Rejections have no side effects beyond the
// archive entry.
func (v *Validator) Accept(ctx context.Context, body []byte, sigHeader, tsHeader string) (string, error) {
	// An unauthenticated or unparsable request is archived under a key
	// derived from the body so replays of the same junk stay collapsed.
	fallbackKey := crypto.Keccak256Hash(body).Hex()

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fallbackKey, v.reject(ctx, fallbackKey,
			types.Reject(types.ReasonInvalidPayload, "bad timestamp header"))
	}

	if !v.verifySignature(body, tsHeader, sigHeader) {
		return fallbackKey, v.reject(ctx, fallbackKey,
			types.Reject(types.ReasonBadSignature, "hmac verification failed"))
	}

	if skew := time.Since(time.Unix(ts, 0)); skew > v.window || skew < -v.window {
		return fallbackKey, v.reject(ctx, fallbackKey,
			types.Reject(types.ReasonStaleTimestamp, "timestamp outside freshness window"))
	}

	var raw payload
	if err := json.Unmarshal(body, &raw); err != nil {
		return fallbackKey, v.reject(ctx, fallbackKey,
			types.Reject(types.ReasonInvalidPayload, "malformed signal body"))
	}

	sig := &types.Signal{
		IdempotencyKey: raw.IdempotencyKey,
		Tier:           types.Tier(raw.Tier),
		Side:           types.Side(raw.Side),
		Size:           raw.Size,
		Target:         common.HexToAddress(raw.Target),
		Wallet:         common.HexToAddress(raw.Wallet),
		PositionKey:    raw.PositionKey,
		ReceivedAt:     time.Now().UTC(),
	}
	if sig.IdempotencyKey == "" {
		sig.IdempotencyKey = types.DeriveIdempotencyKey(ts, sig.Target, sig.Side, sig.Size)
	}
	key := sig.IdempotencyKey

	if !sig.Tier.Valid() || !sig.Side.Valid() {
		return key, v.reject(ctx, key,
			types.Reject(types.ReasonInvalidPayload, "unknown tier or side"))
	}

	// Duplicate suppression across the ledger and the rejection archive.
	// Duplicates are refused without a new archive row: the key is
	// already recorded and must stay unique across both tables.
	exists, err := v.store.KeyExists(ctx, key)
	if err != nil {
		return key, fmt.Errorf("duplicate check: %w", err)
	}
	if exists {
		v.logger.Warn("duplicate-signal", zap.String("key", key))
		SignalsRejectedTotal.WithLabelValues(string(types.ReasonDuplicateKey)).Inc()
		return key, types.Reject(types.ReasonDuplicateKey, "idempotency key already processed")
	}

	if rej := v.screen(ctx, sig); rej != nil {
		return key, v.reject(ctx, key, rej)
	}

	if err := v.queue.Enqueue(sig); err != nil {
		var rejErr *types.RejectionError
		if types.ReasonOf(err) == types.ReasonQueueShed {
			rejErr = types.Reject(types.ReasonQueueShed, "shed under load")
			return key, v.reject(ctx, key, rejErr)
		}
		// Hard capacity is backpressure, not rejection: the caller may
		// retry, so the key is not burned in the archive.
		return key, err
	}

	if !sig.IsExit() {
		if _, err := v.machine.Create(ctx, sig); err != nil {
			return key, fmt.Errorf("create position: %w", err)
		}
		if err := v.machine.Admit(ctx, key); err != nil {
			return key, fmt.Errorf("admit position: %w", err)
		}
	}

	SignalsAcceptedTotal.WithLabelValues(string(sig.Tier)).Inc()
	v.logger.Info("signal-accepted",
		zap.String("key", key),
		zap.String("tier", string(sig.Tier)),
		zap.String("side", string(sig.Side)),
		zap.Float64("size", sig.Size))

	return key, nil
}

// screen runs the fast metadata-only admission checks: circuit breaker,
// backend-mode tier gate, size bounds, roster membership, and exit
// signal matching. No network calls.
func (v *Validator) screen(ctx context.Context, sig *types.Signal) *types.RejectionError {
	if v.breaker != nil && !v.breaker.Allow() {
		return types.Reject(types.ReasonCircuitHalted, "circuit breaker is not admitting")
	}

	if v.modes != nil && v.modes.Mode() == types.ModeSecondary && sig.Tier == types.TierAggressive {
		return types.Reject(types.ReasonSecondaryMode,
			"aggressive tier requires the primary backend's bundling guarantee")
	}

	if sig.Size <= 0 {
		return types.Reject(types.ReasonRiskScreen, "size must be positive")
	}
	if v.maxSize > 0 && sig.Size > v.maxSize {
		return types.Reject(types.ReasonRiskScreen, "size %f exceeds limit %f", sig.Size, v.maxSize)
	}

	if sig.IsExit() {
		if sig.PositionKey == "" {
			return types.Reject(types.ReasonNoActivePosition, "exit signal missing position_key")
		}
		p, err := v.store.GetPosition(ctx, sig.PositionKey)
		if err != nil || p.State != types.StateActive {
			return types.Reject(types.ReasonNoActivePosition,
				"no active position for key %s", sig.PositionKey)
		}
		return nil
	}

	if sig.Target == (common.Address{}) {
		return types.Reject(types.ReasonRiskScreen, "target address is zero")
	}

	inRoster, err := v.store.RosterContains(ctx, sig.Wallet)
	if err != nil {
		return types.Reject(types.ReasonRiskScreen, "roster lookup failed")
	}
	if !inRoster {
		return types.Reject(types.ReasonRiskScreen, "wallet %s not in active roster", sig.Wallet.Hex())
	}

	return nil
}
