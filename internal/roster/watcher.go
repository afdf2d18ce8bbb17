package roster

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Watcher polls for the producer's ready marker and triggers a merge
// when a complete staged dataset appears.
type Watcher struct {
	merger   *Merger
	interval time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// WatcherConfig holds watcher configuration.
type WatcherConfig struct {
	Merger       *Merger
	PollInterval time.Duration
	Logger       *zap.Logger
}

// NewWatcher creates a roster watcher.
func NewWatcher(cfg *WatcherConfig) (*Watcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Merger == nil {
		return nil, fmt.Errorf("merger cannot be nil")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Watcher{
		merger:   cfg.Merger,
		interval: cfg.PollInterval,
		logger:   cfg.Logger,
	}, nil
}

// Start launches the poll loop.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

// Wait blocks until the poll loop exits.
func (w *Watcher) Wait() {
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll merges once if the ready marker is present. The marker is only
// dropped by the producer after the staged file is fully written, so a
// visible marker means a complete dataset.
func (w *Watcher) poll(ctx context.Context) {
	if _, err := os.Stat(w.merger.readyMarker()); err != nil {
		if !os.IsNotExist(err) {
			w.logger.Error("marker-stat-failed", zap.Error(err))
		}
		return
	}

	w.logger.Info("staged-roster-detected")
	if err := w.merger.Merge(ctx); err != nil {
		// Merge already logged and alerted. Remove the marker so a bad
		// dataset is not retried every poll; the file stays for
		// inspection.
		if rmErr := os.Remove(w.merger.readyMarker()); rmErr != nil && !os.IsNotExist(rmErr) {
			w.logger.Error("marker-remove-failed", zap.Error(rmErr))
		}
	}
}
