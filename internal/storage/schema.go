package storage

// Positions are retained indefinitely for audit; the audit log is
// append-only; tip history is a bounded time window pruned by the writer.
const schema = `
CREATE TABLE IF NOT EXISTS positions (
	idempotency_key TEXT PRIMARY KEY,
	tier            TEXT NOT NULL,
	side            TEXT NOT NULL,
	size            REAL NOT NULL,
	target          TEXT NOT NULL,
	wallet          TEXT NOT NULL,
	state           TEXT NOT NULL,
	bound_mode      TEXT NOT NULL DEFAULT '',
	entry_price     REAL NOT NULL DEFAULT 0,
	entry_proof     TEXT NOT NULL DEFAULT '',
	exit_price      REAL NOT NULL DEFAULT 0,
	exit_proof      TEXT NOT NULL DEFAULT '',
	realized_pnl    REAL NOT NULL DEFAULT 0,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	transitioned_at INTEGER NOT NULL,
	closed_at       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_positions_state ON positions(state);

CREATE TABLE IF NOT EXISTS rejections (
	idempotency_key TEXT PRIMARY KEY,
	reason          TEXT NOT NULL,
	detail          TEXT NOT NULL DEFAULT '',
	archived_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tip_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	tier        TEXT NOT NULL,
	tip         REAL NOT NULL,
	observed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tip_history_tier_time ON tip_history(tier, observed_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	actor      TEXT NOT NULL,
	event      TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS reconciliation_records (
	id              TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL,
	kind            TEXT NOT NULL,
	expected        TEXT NOT NULL,
	observed        TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'open',
	resolver        TEXT NOT NULL DEFAULT '',
	detected_at     INTEGER NOT NULL,
	resolved_at     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_reconciliation_status ON reconciliation_records(status);

CREATE TABLE IF NOT EXISTS wallet_roster (
	address        TEXT PRIMARY KEY,
	score          REAL NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'active',
	promoted_until INTEGER NOT NULL DEFAULT 0,
	updated_at     INTEGER NOT NULL DEFAULT 0
);
`

func (s *Store) applySchema() error {
	_, err := s.db.Exec(schema)
	return err
}
