package position

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PositionsCreatedTotal tracks admitted entry signals.
	PositionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chimera_positions_created_total",
		Help: "Total number of positions created",
	})

	// TransitionsTotal tracks persisted lifecycle transitions by edge.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimera_position_transitions_total",
			Help: "Total number of position state transitions",
		},
		[]string{"from", "to"},
	)

	// TransitionsRejectedTotal tracks invalid or stale transition attempts.
	TransitionsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chimera_position_transitions_rejected_total",
		Help: "Total number of rejected position transitions",
	})

	// RealizedPnLTotal tracks cumulative realized outcome. A gauge because
	// losses move it down.
	RealizedPnLTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chimera_position_realized_pnl_total",
		Help: "Cumulative realized PnL of closed positions",
	})
)
