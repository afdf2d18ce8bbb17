package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one row of the append-only audit trail. Circuit-breaker
// transitions and configuration changes land here with actor identity.
type AuditEntry struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendAudit writes one immutable audit entry.
func (s *Store) AppendAudit(ctx context.Context, actor, event, detail string) error {
	return s.withRetry(ctx, "append-audit", func() error {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO audit_log (id, actor, event, detail, created_at) VALUES (?, ?, ?, ?, ?)",
			uuid.NewString(), actor, event, detail, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
}

// ListAudit returns the most recent audit entries, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, actor, event, detail, created_at FROM audit_log ORDER BY created_at DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at int64
		if err := rows.Scan(&e.ID, &e.Actor, &e.Event, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.CreatedAt = time.Unix(at, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
