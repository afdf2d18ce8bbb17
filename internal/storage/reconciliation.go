package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DiscrepancyKind classifies a divergence between the ledger and
// external ground truth.
type DiscrepancyKind string

const (
	DiscrepancyRefMismatch    DiscrepancyKind = "reference_mismatch"
	DiscrepancyMissingRecord  DiscrepancyKind = "missing_external_record"
	DiscrepancyAmountMismatch DiscrepancyKind = "amount_mismatch"
	DiscrepancyStateMismatch  DiscrepancyKind = "state_mismatch"
)

// Resolution status of a reconciliation record.
const (
	ResolutionOpen         = "open"
	ResolutionAutoResolved = "auto_resolved"
	ResolutionManual       = "manually_resolved"
)

// ReconciliationRecord is one detected discrepancy.
type ReconciliationRecord struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Kind           DiscrepancyKind `json:"kind"`
	Expected       string          `json:"expected"`
	Observed       string          `json:"observed"`
	Status         string          `json:"status"`
	Resolver       string          `json:"resolver"`
	DetectedAt     time.Time       `json:"detected_at"`
	ResolvedAt     time.Time       `json:"resolved_at,omitempty"`
}

// InsertReconciliation writes a discrepancy record and returns its ID.
func (s *Store) InsertReconciliation(ctx context.Context, rec *ReconciliationRecord) (string, error) {
	id := uuid.NewString()
	resolvedAt := int64(0)
	if !rec.ResolvedAt.IsZero() {
		resolvedAt = rec.ResolvedAt.Unix()
	}

	err := s.withRetry(ctx, "insert-reconciliation", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO reconciliation_records (
				id, idempotency_key, kind, expected, observed,
				status, resolver, detected_at, resolved_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, rec.IdempotencyKey, string(rec.Kind), rec.Expected, rec.Observed,
			rec.Status, rec.Resolver, rec.DetectedAt.Unix(), resolvedAt)
		if err != nil {
			return fmt.Errorf("insert reconciliation: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// HasOpenReconciliation reports whether an unresolved record already
// exists for the position and discrepancy kind.
func (s *Store) HasOpenReconciliation(ctx context.Context, key string, kind DiscrepancyKind) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reconciliation_records
		WHERE idempotency_key = ? AND kind = ? AND status = ?`,
		key, string(kind), ResolutionOpen).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("has open reconciliation: %w", err)
	}
	return count > 0, nil
}

// ResolveReconciliation marks an open record resolved by the given actor.
func (s *Store) ResolveReconciliation(ctx context.Context, id, status, resolver string) error {
	return s.withRetry(ctx, "resolve-reconciliation", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE reconciliation_records
			SET status = ?, resolver = ?, resolved_at = ?
			WHERE id = ? AND status = ?`,
			status, resolver, time.Now().Unix(), id, ResolutionOpen)
		if err != nil {
			return fmt.Errorf("resolve reconciliation: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("reconciliation record %s is not open", id)
		}
		return nil
	})
}

// ListOpenReconciliations returns every unresolved discrepancy, oldest first.
func (s *Store) ListOpenReconciliations(ctx context.Context) ([]ReconciliationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idempotency_key, kind, expected, observed, status, resolver, detected_at, resolved_at
		FROM reconciliation_records WHERE status = ? ORDER BY detected_at`,
		ResolutionOpen)
	if err != nil {
		return nil, fmt.Errorf("list open reconciliations: %w", err)
	}
	defer rows.Close()

	var records []ReconciliationRecord
	for rows.Next() {
		var (
			rec      ReconciliationRecord
			kind     string
			detected int64
			resolved int64
		)
		err := rows.Scan(&rec.ID, &rec.IdempotencyKey, &kind, &rec.Expected,
			&rec.Observed, &rec.Status, &rec.Resolver, &detected, &resolved)
		if err != nil {
			return nil, fmt.Errorf("scan reconciliation: %w", err)
		}
		rec.Kind = DiscrepancyKind(kind)
		rec.DetectedAt = time.Unix(detected, 0).UTC()
		if resolved > 0 {
			rec.ResolvedAt = time.Unix(resolved, 0).UTC()
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
