package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mshafiee/chimera/pkg/types"
	"go.uber.org/zap"
)

// Selector owns the global backend mode. Workers bind the mode at
// dequeue and keep it for the whole attempt; the selector never revises
// an attempt mid-flight, it only steers future dequeues.
type Selector struct {
	primary   Submitter
	secondary Submitter

	failThreshold    int
	latencyThreshold time.Duration
	probeInterval    time.Duration

	mu          sync.Mutex
	mode        types.BackendMode
	consecutive int
	switchedAt  time.Time

	logger *zap.Logger
	wg     sync.WaitGroup
}

// SelectorConfig holds selector configuration.
type SelectorConfig struct {
	Primary   Submitter
	Secondary Submitter

	// FailoverThreshold is the number of consecutive degraded primary
	// results that trips the switch to the secondary path.
	FailoverThreshold int
	// LatencyThreshold marks a successful primary result as degraded
	// when its round trip exceeds it.
	LatencyThreshold time.Duration
	// ProbeInterval is how often the primary is probed while the
	// secondary path is active.
	ProbeInterval time.Duration

	Logger *zap.Logger
}

// NewSelector creates a backend selector starting on the primary path.
func NewSelector(cfg *SelectorConfig) (*Selector, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Primary == nil || cfg.Secondary == nil {
		return nil, fmt.Errorf("primary and secondary submitters are required")
	}
	if cfg.FailoverThreshold <= 0 {
		return nil, fmt.Errorf("failover threshold must be positive")
	}
	if cfg.LatencyThreshold <= 0 {
		return nil, fmt.Errorf("latency threshold must be positive")
	}
	if cfg.ProbeInterval <= 0 {
		return nil, fmt.Errorf("probe interval must be positive")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &Selector{
		primary:          cfg.Primary,
		secondary:        cfg.Secondary,
		failThreshold:    cfg.FailoverThreshold,
		latencyThreshold: cfg.LatencyThreshold,
		probeInterval:    cfg.ProbeInterval,
		mode:             types.ModePrimary,
		logger:           cfg.Logger,
	}
	BackendModeGauge.Set(0)
	return s, nil
}

// Mode returns the current global backend mode.
func (s *Selector) Mode() types.BackendMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SelectorSnapshot reports the selector state for the query surface.
type SelectorSnapshot struct {
	Mode                types.BackendMode `json:"mode"`
	ConsecutiveDegraded int               `json:"consecutive_degraded"`
	SwitchedAt          time.Time         `json:"switched_at,omitempty"`
}

// Snapshot returns the current selector state.
func (s *Selector) Snapshot() SelectorSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SelectorSnapshot{
		Mode:                s.mode,
		ConsecutiveDegraded: s.consecutive,
		SwitchedAt:          s.switchedAt,
	}
}

// Pick returns the submitter for a mode bound earlier at dequeue.
func (s *Selector) Pick(mode types.BackendMode) Submitter {
	if mode == types.ModeSecondary {
		return s.secondary
	}
	return s.primary
}

// RecordResult feeds one attempt outcome back into the selector. Only
// primary results drive failover; secondary results are observed by the
// recovery probe instead.
func (s *Selector) RecordResult(mode types.BackendMode, latency time.Duration, err error) {
	if mode != types.ModePrimary {
		return
	}

	degraded := err != nil || latency > s.latencyThreshold

	s.mu.Lock()
	defer s.mu.Unlock()

	if !degraded {
		s.consecutive = 0
		return
	}

	s.consecutive++
	s.logger.Warn("primary-result-degraded",
		zap.Int("consecutive", s.consecutive),
		zap.Duration("latency", latency),
		zap.Error(err))

	if s.mode == types.ModePrimary && s.consecutive >= s.failThreshold {
		s.setModeLocked(types.ModeSecondary, "consecutive primary degradation")
	}
}

// setModeLocked flips the global mode. Caller holds s.mu.
func (s *Selector) setModeLocked(mode types.BackendMode, why string) {
	if s.mode == mode {
		return
	}
	s.mode = mode
	s.consecutive = 0
	s.switchedAt = time.Now().UTC()

	if mode == types.ModeSecondary {
		BackendModeGauge.Set(1)
	} else {
		BackendModeGauge.Set(0)
	}
	ModeSwitchesTotal.WithLabelValues(string(mode)).Inc()

	s.logger.Warn("backend-mode-switched",
		zap.String("mode", string(mode)),
		zap.String("why", why))
}

// Start launches the recovery probe loop.
func (s *Selector) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.probeLoop(ctx)
}

// Wait blocks until the probe loop exits.
func (s *Selector) Wait() {
	s.wg.Wait()
}

// probeLoop probes the primary at a fixed interval while the secondary
// path is active. Recovery is gated on an actual probe success, never
// on elapsed time.
func (s *Selector) probeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Mode() != types.ModeSecondary {
				continue
			}

			probeCtx, cancel := context.WithTimeout(ctx, s.probeInterval)
			err := s.primary.Probe(probeCtx)
			cancel()

			if err != nil {
				s.logger.Debug("primary-probe-failed", zap.Error(err))
				continue
			}

			s.mu.Lock()
			s.setModeLocked(types.ModePrimary, "primary probe succeeded")
			s.mu.Unlock()
		}
	}
}
