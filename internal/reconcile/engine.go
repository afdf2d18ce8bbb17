package reconcile

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/mshafiee/chimera/internal/groundtruth"
	"github.com/mshafiee/chimera/internal/storage"
	"github.com/mshafiee/chimera/pkg/types"
	"go.uber.org/zap"
)

// Store is the slice of persistence the reconciler uses. Adopting an
// external amount is the only position mutation it is allowed.
type Store interface {
	ListNonTerminalPositions(ctx context.Context) ([]*types.Position, error)
	InsertReconciliation(ctx context.Context, rec *storage.ReconciliationRecord) (string, error)
	HasOpenReconciliation(ctx context.Context, key string, kind storage.DiscrepancyKind) (bool, error)
	AdoptExternalSize(ctx context.Context, key string, size float64) error
}

// Truth answers the external view of a submission.
type Truth interface {
	LookupByKey(ctx context.Context, key string) (*groundtruth.SubmissionRecord, error)
}

// Engine periodically compares open positions against ground truth and
// files a record for every divergence. Small amount drift is adopted
// automatically; everything else stays open for an operator.
type Engine struct {
	store    Store
	truth    Truth
	epsilon  float64 // relative
	interval time.Duration

	logger *zap.Logger
	wg     sync.WaitGroup
}

// Config holds reconciler configuration.
type Config struct {
	Store Store
	Truth Truth
	// Epsilon is the relative amount tolerance under which the external
	// value is adopted without operator involvement.
	Epsilon  float64
	Interval time.Duration
	Logger   *zap.Logger
}

// New creates a reconciliation engine.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Store == nil || cfg.Truth == nil {
		return nil, fmt.Errorf("store and truth are required")
	}
	if cfg.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Engine{
		store:    cfg.Store,
		truth:    cfg.Truth,
		epsilon:  cfg.Epsilon,
		interval: cfg.Interval,
		logger:   cfg.Logger,
	}, nil
}

// Start launches the reconciliation loop.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.loop(ctx)
}

// Wait blocks until the loop exits.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce reconciles every position that has a confirmed entry but is
// not yet terminal. Earlier lifecycle stages have nothing external to
// compare against.
func (e *Engine) RunOnce(ctx context.Context) {
	open, err := e.store.ListNonTerminalPositions(ctx)
	if err != nil {
		e.logger.Error("reconcile-scan-failed", zap.Error(err))
		return
	}

	for _, p := range open {
		if p.State != types.StateActive && p.State != types.StateExiting {
			continue
		}
		e.reconcile(ctx, p)
	}
}

// reconcile checks one position and files at most one discrepancy.
func (e *Engine) reconcile(ctx context.Context, p *types.Position) {
	record, err := e.truth.LookupByKey(ctx, p.IdempotencyKey)
	if err != nil {
		e.logger.Error("reconcile-lookup-failed",
			zap.String("key", p.IdempotencyKey), zap.Error(err))
		return
	}

	switch {
	case !record.Exists:
		e.file(ctx, p, storage.DiscrepancyMissingRecord,
			p.EntryProof.Hex(), "no external record")

	case record.Proof != p.EntryProof:
		e.file(ctx, p, storage.DiscrepancyRefMismatch,
			p.EntryProof.Hex(), record.Proof.Hex())

	case amountDiverges(p.Size, record.Amount, e.epsilon):
		e.file(ctx, p, storage.DiscrepancyAmountMismatch,
			formatAmount(p.Size), formatAmount(record.Amount))

	case withinEpsilon(p.Size, record.Amount, e.epsilon) && p.Size != record.Amount:
		// Inside tolerance: the external value wins silently, with an
		// auto-resolved record for the audit trail.
		if err := e.store.AdoptExternalSize(ctx, p.IdempotencyKey, record.Amount); err != nil {
			e.logger.Error("adopt-external-size-failed",
				zap.String("key", p.IdempotencyKey), zap.Error(err))
			return
		}
		now := time.Now().UTC()
		_, err := e.store.InsertReconciliation(ctx, &storage.ReconciliationRecord{
			IdempotencyKey: p.IdempotencyKey,
			Kind:           storage.DiscrepancyAmountMismatch,
			Expected:       formatAmount(p.Size),
			Observed:       formatAmount(record.Amount),
			Status:         storage.ResolutionAutoResolved,
			Resolver:       "system",
			DetectedAt:     now,
			ResolvedAt:     now,
		})
		if err != nil {
			e.logger.Error("reconcile-record-failed",
				zap.String("key", p.IdempotencyKey), zap.Error(err))
			return
		}
		e.logger.Info("amount-drift-adopted",
			zap.String("key", p.IdempotencyKey),
			zap.Float64("ledger", p.Size),
			zap.Float64("external", record.Amount))
		DiscrepanciesTotal.WithLabelValues(string(storage.DiscrepancyAmountMismatch), "auto_resolved").Inc()

	case stateDiverges(p.State, record.State):
		e.file(ctx, p, storage.DiscrepancyStateMismatch,
			string(p.State), record.State)
	}
}

// file writes one open discrepancy record. A divergence already filed
// and still unresolved is not filed again on later passes.
func (e *Engine) file(ctx context.Context, p *types.Position, kind storage.DiscrepancyKind, expected, observed string) {
	open, err := e.store.HasOpenReconciliation(ctx, p.IdempotencyKey, kind)
	if err != nil {
		e.logger.Error("reconcile-lookup-failed",
			zap.String("key", p.IdempotencyKey), zap.Error(err))
		return
	}
	if open {
		return
	}

	_, err = e.store.InsertReconciliation(ctx, &storage.ReconciliationRecord{
		IdempotencyKey: p.IdempotencyKey,
		Kind:           kind,
		Expected:       expected,
		Observed:       observed,
		Status:         storage.ResolutionOpen,
		DetectedAt:     time.Now().UTC(),
	})
	if err != nil {
		e.logger.Error("reconcile-record-failed",
			zap.String("key", p.IdempotencyKey), zap.Error(err))
		return
	}
	e.logger.Warn("discrepancy-detected",
		zap.String("key", p.IdempotencyKey),
		zap.String("kind", string(kind)),
		zap.String("expected", expected),
		zap.String("observed", observed))
	DiscrepanciesTotal.WithLabelValues(string(kind), "open").Inc()
}

// withinEpsilon reports whether observed is inside the relative
// tolerance of expected.
func withinEpsilon(expected, observed, epsilon float64) bool {
	if expected == 0 {
		return observed == 0
	}
	return math.Abs(observed-expected)/math.Abs(expected) <= epsilon
}

func amountDiverges(expected, observed, epsilon float64) bool {
	return !withinEpsilon(expected, observed, epsilon)
}

// stateDiverges reports whether the external state contradicts the
// ledger. An active or exiting position must still be live externally.
func stateDiverges(state types.State, external string) bool {
	switch external {
	case "confirmed", "pending", "":
		return false
	default:
		// The external side already considers it closed or expired.
		return state == types.StateActive || state == types.StateExiting
	}
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
