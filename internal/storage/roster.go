package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RosterEntry is one candidate wallet the operator is willing to copy.
type RosterEntry struct {
	Address       common.Address `json:"address"`
	Score         float64        `json:"score"`
	Status        string         `json:"status"`
	PromotedUntil time.Time      `json:"promoted_until,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Roster status values.
const (
	RosterStatusActive   = "active"
	RosterStatusPaused   = "paused"
	RosterStatusPromoted = "promoted"
)

// RosterContains reports whether the wallet is currently copyable: status
// active, or promoted with an unexpired promotion window.
func (s *Store) RosterContains(ctx context.Context, wallet common.Address) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM wallet_roster
		WHERE address = ? AND (
			status = ? OR (status = ? AND promoted_until > ?)
		)`,
		wallet.Hex(), RosterStatusActive, RosterStatusPromoted, time.Now().Unix()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("roster contains: %w", err)
	}
	return n > 0, nil
}

// ListRoster returns the full roster ordered by score, best first.
func (s *Store) ListRoster(ctx context.Context) ([]RosterEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT address, score, status, promoted_until, updated_at FROM wallet_roster ORDER BY score DESC")
	if err != nil {
		return nil, fmt.Errorf("list roster: %w", err)
	}
	defer rows.Close()

	var entries []RosterEntry
	for rows.Next() {
		var (
			e        RosterEntry
			addr     string
			promoted int64
			updated  int64
		)
		if err := rows.Scan(&addr, &e.Score, &e.Status, &promoted, &updated); err != nil {
			return nil, fmt.Errorf("scan roster: %w", err)
		}
		e.Address = common.HexToAddress(addr)
		if promoted > 0 {
			e.PromotedUntil = time.Unix(promoted, 0).UTC()
		}
		e.UpdatedAt = time.Unix(updated, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetRosterStatus updates one roster entry's status, with an optional
// time-limited promotion window.
func (s *Store) SetRosterStatus(ctx context.Context, wallet common.Address, status string, promotedUntil time.Time) error {
	promoted := int64(0)
	if !promotedUntil.IsZero() {
		promoted = promotedUntil.Unix()
	}

	return s.withRetry(ctx, "set-roster-status", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE wallet_roster SET status = ?, promoted_until = ?, updated_at = ?
			WHERE address = ?`,
			status, promoted, time.Now().Unix(), wallet.Hex())
		if err != nil {
			return fmt.Errorf("set roster status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("wallet %s not in roster", wallet.Hex())
		}
		return nil
	})
}
