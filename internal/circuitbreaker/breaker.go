package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mshafiee/chimera/pkg/types"
	"go.uber.org/zap"
)

// Mode is the breaker's admission state.
type Mode string

const (
	ModeAdmitting   Mode = "admitting"
	ModeHalted      Mode = "halted"
	ModeCoolingDown Mode = "cooling_down"
)

// Actor identities recorded on the audit trail.
const (
	ActorSystem = "system"
)

// AuditStore records every mode transition.
type AuditStore interface {
	AppendAudit(ctx context.Context, actor, event, detail string) error
}

// PositionSource lists positions for the drawdown scan and the halt
// reaction.
type PositionSource interface {
	ListPositionsByState(ctx context.Context, state types.State) ([]*types.Position, error)
}

// MarkSource answers mark prices from the refreshed cache, never a live
// ground-truth query.
type MarkSource interface {
	Mark(target common.Address) (float64, bool)
}

type lossEvent struct {
	amount float64 // positive magnitude
	at     time.Time
}

// Breaker halts admission when realized or marked losses breach the
// configured limits. Halting is instant; recovery requires an explicit
// authorized reset followed by a cooldown.
type Breaker struct {
	dailyLossLimit  float64
	consecLossLimit int
	drawdownLimit   float64
	cooldown        time.Duration
	scanInterval    time.Duration

	mu            sync.Mutex
	mode          Mode
	losses        []lossEvent
	consecutive   int
	cooldownUntil time.Time

	positions PositionSource
	marks     MarkSource
	audit     AuditStore
	// requestExit queues a synthetic exit for a losing active position
	// when the breaker halts. Profitable positions are left open.
	requestExit func(p *types.Position)

	logger *zap.Logger
	wg     sync.WaitGroup
}

// Config holds breaker configuration.
type Config struct {
	// DailyLossLimit is the rolling 24h realized loss that trips the
	// breaker, as a positive magnitude.
	DailyLossLimit float64
	// ConsecutiveLossLimit is the run of losing closes that trips it.
	ConsecutiveLossLimit int
	// DrawdownLimit is the unrealized loss fraction of entry notional,
	// per position, that trips it.
	DrawdownLimit float64
	// Cooldown is how long the breaker cools after a reset before
	// admitting again.
	Cooldown time.Duration
	// ScanInterval is how often active positions are marked.
	ScanInterval time.Duration
	// InitialDailyLoss seeds the rolling window from the ledger so a
	// restart does not forget the day's losses.
	InitialDailyLoss float64

	Positions   PositionSource
	Marks       MarkSource
	Audit       AuditStore
	RequestExit func(p *types.Position)
	Logger      *zap.Logger
}

// New creates a circuit breaker in the admitting mode.
func New(cfg *Config) (*Breaker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.DailyLossLimit <= 0 || cfg.ConsecutiveLossLimit <= 0 || cfg.DrawdownLimit <= 0 {
		return nil, fmt.Errorf("loss limits must be positive")
	}
	if cfg.Cooldown <= 0 || cfg.ScanInterval <= 0 {
		return nil, fmt.Errorf("cooldown and scan interval must be positive")
	}
	if cfg.Positions == nil || cfg.Marks == nil || cfg.Audit == nil {
		return nil, fmt.Errorf("positions, marks, and audit are required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	b := &Breaker{
		dailyLossLimit:  cfg.DailyLossLimit,
		consecLossLimit: cfg.ConsecutiveLossLimit,
		drawdownLimit:   cfg.DrawdownLimit,
		cooldown:        cfg.Cooldown,
		scanInterval:    cfg.ScanInterval,
		mode:            ModeAdmitting,
		positions:       cfg.Positions,
		marks:           cfg.Marks,
		audit:           cfg.Audit,
		requestExit:     cfg.RequestExit,
		logger:          cfg.Logger,
	}
	if cfg.InitialDailyLoss > 0 {
		b.losses = append(b.losses, lossEvent{amount: cfg.InitialDailyLoss, at: time.Now().UTC()})
	}
	ModeGauge.Set(0)
	return b, nil
}

// Allow reports whether new signals are currently admitted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode == ModeAdmitting
}

// Mode returns the current breaker mode.
func (b *Breaker) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// RecordOutcome feeds one realized close result into the breaker and
// trips it immediately on breach.
func (b *Breaker) RecordOutcome(ctx context.Context, realized float64) {
	b.mu.Lock()

	if realized >= 0 {
		b.consecutive = 0
		b.mu.Unlock()
		return
	}

	b.consecutive++
	b.losses = append(b.losses, lossEvent{amount: -realized, at: time.Now().UTC()})
	daily := b.rollingLossLocked()
	consecutive := b.consecutive
	DailyLossGauge.Set(daily)

	var reason string
	switch {
	case daily >= b.dailyLossLimit:
		reason = fmt.Sprintf("rolling 24h loss %.2f breached limit %.2f", daily, b.dailyLossLimit)
	case consecutive >= b.consecLossLimit:
		reason = fmt.Sprintf("%d consecutive losses breached limit %d", consecutive, b.consecLossLimit)
	}
	b.mu.Unlock()

	if reason != "" {
		b.halt(ctx, reason)
	}
}

// rollingLossLocked sums losses inside the trailing 24h window and
// prunes older entries. Caller holds b.mu.
func (b *Breaker) rollingLossLocked() float64 {
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	kept := b.losses[:0]
	var sum float64
	for _, ev := range b.losses {
		if ev.at.After(cutoff) {
			kept = append(kept, ev)
			sum += ev.amount
		}
	}
	b.losses = kept
	return sum
}

// Halt trips the breaker from outside the loss accounting, for faults
// that make further admission unsafe, such as losing the store.
func (b *Breaker) Halt(ctx context.Context, reason string) {
	b.halt(ctx, reason)
}

// halt trips the breaker. Idempotent: a breach while already halted
// only logs.
func (b *Breaker) halt(ctx context.Context, reason string) {
	b.mu.Lock()
	if b.mode == ModeHalted {
		b.mu.Unlock()
		return
	}
	b.mode = ModeHalted
	b.mu.Unlock()

	ModeGauge.Set(1)
	TripsTotal.Inc()
	b.logger.Error("circuit-breaker-halted", zap.String("reason", reason))
	b.appendAudit(ctx, ActorSystem, "breaker_halted", reason)

	b.queueLosingExits(ctx)
}

// queueLosingExits asks for a synthetic exit on every active position
// currently marked at a loss. Profitable positions ride out the halt.
func (b *Breaker) queueLosingExits(ctx context.Context) {
	if b.requestExit == nil {
		return
	}

	active, err := b.positions.ListPositionsByState(ctx, types.StateActive)
	if err != nil {
		b.logger.Error("halt-exit-scan-failed", zap.Error(err))
		return
	}

	for _, p := range active {
		mark, ok := b.marks.Mark(p.Target)
		if !ok {
			continue
		}
		if p.UnrealizedPnL(mark) < 0 {
			b.logger.Warn("queueing-synthetic-exit",
				zap.String("key", p.IdempotencyKey),
				zap.Float64("mark", mark))
			SyntheticExitsTotal.Inc()
			b.requestExit(p)
		}
	}
}

// Reset moves a halted breaker into cooldown. Only valid from Halted;
// the actor is the authenticated operator identity from the control
// surface.
func (b *Breaker) Reset(ctx context.Context, actor string) error {
	b.mu.Lock()
	if b.mode != ModeHalted {
		mode := b.mode
		b.mu.Unlock()
		return fmt.Errorf("reset requires halted mode, breaker is %s", mode)
	}
	b.mode = ModeCoolingDown
	b.cooldownUntil = time.Now().UTC().Add(b.cooldown)
	b.consecutive = 0
	until := b.cooldownUntil
	b.mu.Unlock()

	ModeGauge.Set(2)
	b.logger.Warn("circuit-breaker-reset",
		zap.String("actor", actor),
		zap.Time("cooldown_until", until))
	b.appendAudit(ctx, actor, "breaker_reset",
		fmt.Sprintf("cooling down until %s", until.Format(time.RFC3339)))
	return nil
}

func (b *Breaker) appendAudit(ctx context.Context, actor, event, detail string) {
	if err := b.audit.AppendAudit(ctx, actor, event, detail); err != nil {
		b.logger.Error("audit-append-failed", zap.Error(err), zap.String("event", event))
	}
}

// Start launches the mark scan and cooldown loop.
func (b *Breaker) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.monitorLoop(ctx)
}

// Wait blocks until the monitor loop exits.
func (b *Breaker) Wait() {
	b.wg.Wait()
}

func (b *Breaker) monitorLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

// tick finishes an elapsed cooldown and runs the drawdown scan.
func (b *Breaker) tick(ctx context.Context) {
	b.mu.Lock()
	if b.mode == ModeCoolingDown && time.Now().UTC().After(b.cooldownUntil) {
		b.mode = ModeAdmitting
		b.mu.Unlock()
		ModeGauge.Set(0)
		b.logger.Info("circuit-breaker-admitting")
		b.appendAudit(ctx, ActorSystem, "breaker_admitting", "cooldown elapsed")
	} else {
		b.mu.Unlock()
	}

	if b.Mode() != ModeAdmitting {
		return
	}
	b.scanDrawdown(ctx)
}

// scanDrawdown marks every active position and halts on the first one
// whose unrealized loss fraction breaches the limit.
func (b *Breaker) scanDrawdown(ctx context.Context) {
	active, err := b.positions.ListPositionsByState(ctx, types.StateActive)
	if err != nil {
		b.logger.Error("drawdown-scan-failed", zap.Error(err))
		return
	}

	for _, p := range active {
		notional := p.EntryPrice * p.Size
		if notional <= 0 {
			continue
		}
		mark, ok := b.marks.Mark(p.Target)
		if !ok {
			continue
		}
		if loss := -p.UnrealizedPnL(mark); loss/notional >= b.drawdownLimit {
			b.halt(ctx, fmt.Sprintf("position %s drawdown %.2f%% breached limit %.2f%%",
				p.IdempotencyKey, 100*loss/notional, 100*b.drawdownLimit))
			return
		}
	}
}
