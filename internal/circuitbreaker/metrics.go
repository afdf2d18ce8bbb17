package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ModeGauge is 0 admitting, 1 halted, 2 cooling down.
	ModeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chimera_breaker_mode",
		Help: "Circuit breaker mode (0 admitting, 1 halted, 2 cooling down)",
	})

	TripsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chimera_breaker_trips_total",
		Help: "Times the breaker halted admission",
	})

	DailyLossGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chimera_breaker_daily_loss",
		Help: "Realized loss inside the trailing 24h window",
	})

	SyntheticExitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chimera_breaker_synthetic_exits_total",
		Help: "Synthetic exits queued for losing positions at halt",
	})
)
