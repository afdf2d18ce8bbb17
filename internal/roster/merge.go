package roster

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Merger swaps the live wallet roster for a staged replacement dataset.
// The producer writes the staged SQLite file atomically (tmp then
// rename) and drops a marker; the merge attaches the file, verifies it,
// and replaces the roster inside one immediate transaction. Any failure
// aborts and keeps the prior roster intact.
type Merger struct {
	db        *sql.DB
	stagePath string
	logger    *zap.Logger
	// onDegraded fires when a staged dataset is rejected, for alerting.
	onDegraded func(reason string)
}

// MergerConfig holds merger configuration.
type MergerConfig struct {
	// DB is the live store's handle. The merge runs on it directly so
	// ATTACH and the replacement transaction share one connection.
	DB         *sql.DB
	StagePath  string
	OnDegraded func(reason string)
	Logger     *zap.Logger
}

// NewMerger creates a roster merger.
func NewMerger(cfg *MergerConfig) (*Merger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.DB == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if cfg.StagePath == "" {
		return nil, fmt.Errorf("stage path cannot be empty")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Merger{
		db:         cfg.DB,
		stagePath:  cfg.StagePath,
		logger:     cfg.Logger,
		onDegraded: cfg.OnDegraded,
	}, nil
}

// Merge verifies the staged dataset and replaces the live roster with
// it. On success the ready marker is removed. On failure the prior
// roster stays live and the staged file is left for inspection.
func (m *Merger) Merge(ctx context.Context) error {
	if _, err := os.Stat(m.stagePath); err != nil {
		return fmt.Errorf("staged roster: %w", err)
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS staged", m.stagePath); err != nil {
		return m.degraded(fmt.Errorf("attach staged roster: %w", err))
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), "DETACH DATABASE staged"); err != nil {
			m.logger.Error("detach-staged-failed", zap.Error(err))
		}
	}()

	if err := m.verify(ctx, conn); err != nil {
		return m.degraded(err)
	}

	if err := m.replace(ctx, conn); err != nil {
		return m.degraded(err)
	}

	if err := os.Remove(m.readyMarker()); err != nil && !os.IsNotExist(err) {
		m.logger.Error("marker-remove-failed", zap.Error(err))
	}

	MergesTotal.WithLabelValues("merged").Inc()
	m.logger.Info("roster-merged")
	return nil
}

// verify runs the integrity check and row sanity over the staged file.
func (m *Merger) verify(ctx context.Context, conn *sql.Conn) error {
	var verdict string
	if err := conn.QueryRowContext(ctx, "PRAGMA staged.integrity_check").Scan(&verdict); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if verdict != "ok" {
		return fmt.Errorf("staged roster failed integrity check: %s", verdict)
	}

	rows, err := conn.QueryContext(ctx, "SELECT address, score FROM staged.wallet_roster")
	if err != nil {
		return fmt.Errorf("read staged roster: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			addr  string
			score float64
		)
		if err := rows.Scan(&addr, &score); err != nil {
			return fmt.Errorf("scan staged row: %w", err)
		}
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("staged roster row %d: unparseable address %q", count, addr)
		}
		if score < 0 || score > 1 {
			return fmt.Errorf("staged roster row %d: score %f out of bounds", count, score)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read staged roster: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("staged roster is empty")
	}
	return nil
}

// replace swaps the roster contents in one immediate transaction so
// concurrent readers see either the old roster or the new one, whole.
func (m *Merger) replace(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin roster swap: %w", err)
	}

	now := time.Now().Unix()
	_, err := conn.ExecContext(ctx, "DELETE FROM wallet_roster")
	if err == nil {
		_, err = conn.ExecContext(ctx, `
			INSERT INTO wallet_roster (address, score, status, promoted_until, updated_at)
			SELECT address, score, 'active', 0, ? FROM staged.wallet_roster`, now)
	}
	if err != nil {
		if _, rbErr := conn.ExecContext(context.Background(), "ROLLBACK"); rbErr != nil {
			m.logger.Error("roster-swap-rollback-failed", zap.Error(rbErr))
		}
		return fmt.Errorf("swap roster: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit roster swap: %w", err)
	}
	return nil
}

// degraded logs and alerts a rejected staged dataset, keeping the prior
// roster in use.
func (m *Merger) degraded(err error) error {
	m.logger.Error("roster-degraded", zap.Error(err))
	MergesTotal.WithLabelValues("aborted").Inc()
	if m.onDegraded != nil {
		m.onDegraded(err.Error())
	}
	return err
}

func (m *Merger) readyMarker() string {
	return m.stagePath + ".ready"
}
