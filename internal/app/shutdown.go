package app

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown() error {
	a.logger.Info("operator-shutting-down")

	a.healthChecker.SetReady(false)

	// Stop taking new work first, then cancel everything else.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err := a.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		a.logger.Error("http-server-shutdown-error", zap.Error(err))
	}

	a.cancel()

	// Drain in dependency order: workers before the loss accounting and
	// the streaming surface they report into.
	a.executor.Wait()
	a.sweep.Wait()
	a.reconciler.Wait()
	a.rosterWatcher.Wait()
	a.selector.Wait()
	a.breaker.Wait()
	a.marks.Wait()

	// The tip persister flushes pending observations on the way out.
	a.tips.Wait()

	a.hub.Wait()

	err = a.store.Close()
	if err != nil {
		a.logger.Error("store-close-error", zap.Error(err))
	}

	a.wg.Wait()

	a.logger.Info("operator-shutdown-complete")

	return nil
}
