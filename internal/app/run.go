package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mshafiee/chimera/pkg/types"
)

// Run starts the application and blocks until shutdown.
func (a *App) Run() error {
	a.logger.Info("operator-starting",
		zap.String("db-path", a.cfg.DBPath),
		zap.String("primary-url", a.cfg.PrimaryURL),
		zap.String("secondary-url", a.cfg.SecondaryURL),
		zap.String("log-level", a.cfg.LogLevel))

	err := a.startComponents()
	if err != nil {
		return err
	}

	a.healthChecker.SetReady(true)

	a.logger.Info("operator-ready",
		zap.String("http-addr", ":"+a.cfg.HTTPPort),
		zap.Int("workers", a.cfg.ExecutionWorkers))

	return a.waitForShutdown()
}

func (a *App) startComponents() error {
	// Start HTTP server
	a.wg.Add(1)
	go a.runHTTPServer()

	// Give HTTP server a moment to start
	time.Sleep(100 * time.Millisecond)

	a.hub.Start(a.ctx)
	a.marks.Start(a.ctx)
	a.selector.Start(a.ctx)
	a.breaker.Start(a.ctx)
	a.tips.Start(a.ctx)

	// Re-admit work that was queued when the previous process died,
	// before the workers start draining.
	err := a.requeueOrphans()
	if err != nil {
		return fmt.Errorf("requeue orphans: %w", err)
	}

	a.executor.Start(a.ctx)
	a.sweep.Start(a.ctx)
	a.reconciler.Start(a.ctx)
	a.rosterWatcher.Start(a.ctx)

	return nil
}

func (a *App) runHTTPServer() {
	defer a.wg.Done()
	err := a.httpServer.Start()
	if err != nil {
		a.logger.Error("http-server-error", zap.Error(err))
	}
}

// requeueOrphans rebuilds signals for positions that reached Queued but
// were never dispatched.
func (a *App) requeueOrphans() error {
	queued, err := a.store.ListPositionsByState(a.ctx, types.StateQueued)
	if err != nil {
		return err
	}

	for _, p := range queued {
		sig := &types.Signal{
			IdempotencyKey: p.IdempotencyKey,
			Tier:           p.Tier,
			Side:           p.Side,
			Size:           p.Size,
			Target:         p.Target,
			Wallet:         p.Wallet,
			ReceivedAt:     time.Now().UTC(),
		}
		if err := a.queue.Enqueue(sig); err != nil {
			a.logger.Error("orphan-requeue-failed",
				zap.String("key", p.IdempotencyKey),
				zap.Error(err))
			continue
		}
		a.logger.Info("orphan-requeued", zap.String("key", p.IdempotencyKey))
	}

	if len(queued) > 0 {
		a.logger.Info("orphan-requeue-complete", zap.Int("count", len(queued)))
	}

	return nil
}

func (a *App) waitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		a.logger.Info("shutdown-signal-received", zap.String("signal", sig.String()))
	case <-a.ctx.Done():
		a.logger.Info("context-cancelled")
	}

	return a.Shutdown()
}
