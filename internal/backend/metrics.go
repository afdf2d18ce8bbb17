package backend

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BackendModeGauge is 0 on the primary path, 1 on the secondary.
	BackendModeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chimera_backend_mode",
		Help: "Current backend mode (0 primary, 1 secondary)",
	})

	ModeSwitchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chimera_backend_mode_switches_total",
		Help: "Backend mode transitions, by destination mode",
	}, []string{"mode"})

	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chimera_backend_submissions_total",
		Help: "Submissions by mode and outcome",
	}, []string{"mode", "outcome"})

	SubmissionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chimera_backend_submission_latency_seconds",
		Help:    "Submission round-trip latency by mode",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	TipObservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chimera_backend_tip_observations_total",
		Help: "Winning tips observed, by tier",
	}, []string{"tier"})

	TipBidGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chimera_backend_tip_bid",
		Help: "Most recent tip bid, by tier",
	}, []string{"tier"})
)
