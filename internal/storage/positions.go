package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mshafiee/chimera/pkg/types"
	"go.uber.org/zap"
)

// TransitionUpdate carries the field mutations applied alongside a state
// change. Nil fields are left untouched.
type TransitionUpdate struct {
	To          types.State
	BoundMode   *types.BackendMode
	EntryPrice  *float64
	EntryProof  *common.Hash
	ExitPrice   *float64
	ExitProof   *common.Hash
	RealizedPnL *float64
	RetryCount  *int
	Size        *float64
}

// InsertPosition creates a new position row. The primary key enforces the
// one-live-position-per-idempotency-key invariant.
func (s *Store) InsertPosition(ctx context.Context, p *types.Position) error {
	return s.withRetry(ctx, "insert-position", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO positions (
				idempotency_key, tier, side, size, target, wallet,
				state, created_at, transitioned_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.IdempotencyKey,
			string(p.Tier),
			string(p.Side),
			p.Size,
			p.Target.Hex(),
			p.Wallet.Hex(),
			string(p.State),
			p.CreatedAt.Unix(),
			p.TransitionedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert position: %w", err)
		}
		return nil
	})
}

// ApplyTransition performs a compare-and-swap state change: the row is
// updated only if it is still in the expected source state. Zero rows
// affected means the durable state diverged from what the caller validated.
func (s *Store) ApplyTransition(ctx context.Context, key string, from types.State, u TransitionUpdate) error {
	sets := []string{"state = ?", "transitioned_at = ?"}
	args := []any{string(u.To), time.Now().Unix()}

	if u.BoundMode != nil {
		sets = append(sets, "bound_mode = ?")
		args = append(args, string(*u.BoundMode))
	}
	if u.EntryPrice != nil {
		sets = append(sets, "entry_price = ?")
		args = append(args, *u.EntryPrice)
	}
	if u.EntryProof != nil {
		sets = append(sets, "entry_proof = ?")
		args = append(args, u.EntryProof.Hex())
	}
	if u.ExitPrice != nil {
		sets = append(sets, "exit_price = ?")
		args = append(args, *u.ExitPrice)
	}
	if u.ExitProof != nil {
		sets = append(sets, "exit_proof = ?")
		args = append(args, u.ExitProof.Hex())
	}
	if u.RealizedPnL != nil {
		sets = append(sets, "realized_pnl = ?")
		args = append(args, *u.RealizedPnL)
	}
	if u.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *u.RetryCount)
	}
	if u.Size != nil {
		sets = append(sets, "size = ?")
		args = append(args, *u.Size)
	}
	if u.To.Terminal() {
		sets = append(sets, "closed_at = ?")
		args = append(args, time.Now().Unix())
	}

	args = append(args, key, string(from))
	query := fmt.Sprintf(
		"UPDATE positions SET %s WHERE idempotency_key = ? AND state = ?",
		strings.Join(sets, ", "))

	return s.withRetry(ctx, "apply-transition", func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("apply transition: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return types.ErrStaleState
		}

		s.logger.Debug("position-transition-persisted",
			zap.String("key", key),
			zap.String("from", string(from)),
			zap.String("to", string(u.To)))
		return nil
	})
}

// AdoptExternalSize overwrites the recorded size with the ground-truth
// value. This is the only position mutation the reconciliation engine is
// permitted to request.
func (s *Store) AdoptExternalSize(ctx context.Context, key string, size float64) error {
	return s.withRetry(ctx, "adopt-external-size", func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE positions SET size = ? WHERE idempotency_key = ?",
			size, key)
		if err != nil {
			return fmt.Errorf("adopt external size: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return types.ErrPositionNotFound
		}
		return nil
	})
}

const positionColumns = `idempotency_key, tier, side, size, target, wallet,
	state, bound_mode, entry_price, entry_proof, exit_price, exit_proof,
	realized_pnl, retry_count, created_at, transitioned_at, closed_at`

func scanPosition(row interface{ Scan(...any) error }) (*types.Position, error) {
	var (
		p                     types.Position
		tier, side            string
		target, wallet        string
		state, mode           string
		entryProof, exitProof string
		created, transitioned int64
		closed                int64
	)

	err := row.Scan(
		&p.IdempotencyKey, &tier, &side, &p.Size, &target, &wallet,
		&state, &mode, &p.EntryPrice, &entryProof, &p.ExitPrice, &exitProof,
		&p.RealizedPnL, &p.RetryCount, &created, &transitioned, &closed,
	)
	if err != nil {
		return nil, err
	}

	p.Tier = types.Tier(tier)
	p.Side = types.Side(side)
	p.Target = common.HexToAddress(target)
	p.Wallet = common.HexToAddress(wallet)
	p.State = types.State(state)
	p.BoundMode = types.BackendMode(mode)
	p.EntryProof = common.HexToHash(entryProof)
	p.ExitProof = common.HexToHash(exitProof)
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.TransitionedAt = time.Unix(transitioned, 0).UTC()
	if closed > 0 {
		p.ClosedAt = time.Unix(closed, 0).UTC()
	}

	return &p, nil
}

// GetPosition fetches one position by idempotency key.
func (s *Store) GetPosition(ctx context.Context, key string) (*types.Position, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+positionColumns+" FROM positions WHERE idempotency_key = ?", key)

	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

func (s *Store) queryPositions(ctx context.Context, query string, args ...any) ([]*types.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []*types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ListPositionsByState returns positions in the given state, oldest first.
func (s *Store) ListPositionsByState(ctx context.Context, state types.State) ([]*types.Position, error) {
	return s.queryPositions(ctx,
		"SELECT "+positionColumns+" FROM positions WHERE state = ? ORDER BY created_at",
		string(state))
}

// ListNonTerminalPositions returns every position still in flight.
func (s *Store) ListNonTerminalPositions(ctx context.Context) ([]*types.Position, error) {
	return s.queryPositions(ctx,
		"SELECT "+positionColumns+" FROM positions WHERE state NOT IN (?, ?) ORDER BY created_at",
		string(types.StateClosed), string(types.StateDeadLettered))
}

// ListStuckExiting returns positions that entered Exiting before the cutoff.
func (s *Store) ListStuckExiting(ctx context.Context, cutoff time.Time) ([]*types.Position, error) {
	return s.queryPositions(ctx,
		"SELECT "+positionColumns+" FROM positions WHERE state = ? AND transitioned_at < ? ORDER BY transitioned_at",
		string(types.StateExiting), cutoff.Unix())
}

// KeyExists reports whether the idempotency key is already known to the
// execution ledger or the rejection archive. Uniqueness is enforced across
// both so a rejected signal cannot be replayed into acceptance.
func (s *Store) KeyExists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(1) FROM positions WHERE idempotency_key = ?)
		     + (SELECT COUNT(1) FROM rejections WHERE idempotency_key = ?)`,
		key, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("key exists: %w", err)
	}
	return n > 0, nil
}

// ArchiveRejection records a refused signal with its reason code. Replays
// of archived keys are rejected as duplicates.
func (s *Store) ArchiveRejection(ctx context.Context, key string, reason types.ReasonCode, detail string) error {
	return s.withRetry(ctx, "archive-rejection", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO rejections (idempotency_key, reason, detail, archived_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(idempotency_key) DO NOTHING`,
			key, string(reason), detail, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("archive rejection: %w", err)
		}
		return nil
	})
}

// PerformanceSummary aggregates the ledger for the control surface.
type PerformanceSummary struct {
	PositionsByState map[types.State]int `json:"positions_by_state"`
	RealizedPnLTotal float64             `json:"realized_pnl_total"`
	RealizedLoss24h  float64             `json:"realized_loss_24h"`
	OpenExposure     float64             `json:"open_exposure"`
	RejectionsTotal  int                 `json:"rejections_total"`
}

// Performance computes ledger aggregates.
func (s *Store) Performance(ctx context.Context) (*PerformanceSummary, error) {
	summary := &PerformanceSummary{
		PositionsByState: make(map[types.State]int),
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT state, COUNT(1) FROM positions GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		summary.PositionsByState[types.State(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(realized_pnl), 0) FROM positions WHERE state = ?",
		string(types.StateClosed)).Scan(&summary.RealizedPnLTotal)
	if err != nil {
		return nil, fmt.Errorf("sum realized pnl: %w", err)
	}

	cutoff := time.Now().Add(-24 * time.Hour).Unix()
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(-realized_pnl), 0) FROM positions
		WHERE state = ? AND realized_pnl < 0 AND closed_at >= ?`,
		string(types.StateClosed), cutoff).Scan(&summary.RealizedLoss24h)
	if err != nil {
		return nil, fmt.Errorf("sum 24h loss: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(size * entry_price), 0) FROM positions WHERE state = ?",
		string(types.StateActive)).Scan(&summary.OpenExposure)
	if err != nil {
		return nil, fmt.Errorf("sum exposure: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM rejections").Scan(&summary.RejectionsTotal)
	if err != nil {
		return nil, fmt.Errorf("count rejections: %w", err)
	}

	return summary, nil
}
