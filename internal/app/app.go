package app

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mshafiee/chimera/internal/backend"
	"github.com/mshafiee/chimera/internal/circuitbreaker"
	"github.com/mshafiee/chimera/internal/execution"
	"github.com/mshafiee/chimera/internal/groundtruth"
	"github.com/mshafiee/chimera/internal/ingress"
	"github.com/mshafiee/chimera/internal/position"
	"github.com/mshafiee/chimera/internal/queue"
	"github.com/mshafiee/chimera/internal/reconcile"
	"github.com/mshafiee/chimera/internal/recovery"
	"github.com/mshafiee/chimera/internal/roster"
	"github.com/mshafiee/chimera/internal/storage"
	"github.com/mshafiee/chimera/internal/stream"
	"github.com/mshafiee/chimera/pkg/config"
	"github.com/mshafiee/chimera/pkg/healthprobe"
	"github.com/mshafiee/chimera/pkg/httpserver"
)

// App is the main application orchestrator.
type App struct {
	cfg           *config.Config
	logger        *zap.Logger
	healthChecker *healthprobe.HealthChecker
	store         *storage.Store
	machine       *position.Machine
	queue         *queue.Queue
	validator     *ingress.Validator
	selector      *backend.Selector
	tips          *backend.TipEngine
	breaker       *circuitbreaker.Breaker
	marks         *groundtruth.MarkCache
	executor      *execution.Executor
	sweep         *recovery.Sweep
	reconciler    *reconcile.Engine
	rosterWatcher *roster.Watcher
	hub           *stream.Hub
	httpServer    *httpserver.Server
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}
