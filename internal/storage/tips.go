package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/mshafiee/chimera/pkg/types"
)

// TipObservation is one successful submission cost, partitioned by tier.
type TipObservation struct {
	Tier       types.Tier
	Tip        float64
	ObservedAt time.Time
}

// SaveTipObservations appends observations and prunes everything older
// than the retention window, keeping the table a bounded time slice.
func (s *Store) SaveTipObservations(ctx context.Context, obs []TipObservation, window time.Duration) error {
	if len(obs) == 0 {
		return nil
	}

	return s.withRetry(ctx, "save-tip-observations", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO tip_history (tier, tip, observed_at) VALUES (?, ?, ?)")
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		for _, o := range obs {
			if _, err := stmt.ExecContext(ctx, string(o.Tier), o.Tip, o.ObservedAt.Unix()); err != nil {
				return fmt.Errorf("insert tip: %w", err)
			}
		}

		cutoff := time.Now().Add(-window).Unix()
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM tip_history WHERE observed_at < ?", cutoff); err != nil {
			return fmt.Errorf("prune tips: %w", err)
		}

		return tx.Commit()
	})
}

// LoadTipObservations returns observations within the window, oldest first,
// so a restarted process does not size tips against an empty sample.
func (s *Store) LoadTipObservations(ctx context.Context, window time.Duration) ([]TipObservation, error) {
	cutoff := time.Now().Add(-window).Unix()

	rows, err := s.db.QueryContext(ctx,
		"SELECT tier, tip, observed_at FROM tip_history WHERE observed_at >= ? ORDER BY observed_at",
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("load tips: %w", err)
	}
	defer rows.Close()

	var obs []TipObservation
	for rows.Next() {
		var (
			tier string
			tip  float64
			at   int64
		)
		if err := rows.Scan(&tier, &tip, &at); err != nil {
			return nil, fmt.Errorf("scan tip: %w", err)
		}
		obs = append(obs, TipObservation{
			Tier:       types.Tier(tier),
			Tip:        tip,
			ObservedAt: time.Unix(at, 0).UTC(),
		})
	}
	return obs, rows.Err()
}
