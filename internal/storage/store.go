package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrUnavailable is returned once a write exceeds the busy-retry budget.
// Callers treat it as fatal dependency loss: health degrades and admission
// halts defensively.
var ErrUnavailable = errors.New("persistent store unavailable")

// Store is the single durable home for positions, the rejection archive,
// tip history, the audit trail, reconciliation records, and the wallet
// roster. The engine is the only writer of position rows; the roster merge
// and the audit writer touch their own tables.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	maxRetries int
	retryDelay time.Duration

	fatalHook func()
}

// Config holds store configuration.
type Config struct {
	Path        string
	BusyTimeout time.Duration
	MaxRetries  int
	Logger      *zap.Logger
}

// Open opens (creating when absent) the SQLite store and applies the schema.
func Open(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection keeps SQLite's writer serialization honest and
	// makes ATTACH visible to every statement.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	store := &Store{
		db:         db,
		logger:     cfg.Logger,
		maxRetries: cfg.MaxRetries,
		retryDelay: 50 * time.Millisecond,
	}

	if err = store.applySchema(); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	cfg.Logger.Info("store-opened",
		zap.String("path", cfg.Path),
		zap.Duration("busy_timeout", cfg.BusyTimeout))

	return store, nil
}

// SetFatalHook registers a callback invoked when the retry budget is
// exhausted. Used to degrade process health.
func (s *Store) SetFatalHook(hook func()) {
	s.fatalHook = hook
}

// DB exposes the underlying handle for the roster merge's
// attach-verify-merge protocol. No other component should use it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the store.
func (s *Store) Close() error {
	s.logger.Info("closing-store")
	return s.db.Close()
}

// busy reports whether err is transient lock contention.
func busy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withRetry runs fn, retrying bounded times on lock contention. Exhausting
// the budget returns ErrUnavailable and fires the fatal hook.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = fn()
		if !busy(err) {
			return err
		}

		s.logger.Warn("store-busy-retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		StoreBusyRetriesTotal.Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelay * time.Duration(attempt+1)):
		}
	}

	s.logger.Error("store-retry-budget-exhausted",
		zap.String("op", op),
		zap.Error(err))
	if s.fatalHook != nil {
		s.fatalHook()
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
