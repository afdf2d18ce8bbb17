package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SignalsEnqueuedTotal tracks admitted signals by tier.
	SignalsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimera_queue_signals_enqueued_total",
			Help: "Total number of signals admitted to the queue",
		},
		[]string{"tier"},
	)

	// SignalsRefusedTotal tracks shed and capacity refusals by tier.
	SignalsRefusedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimera_queue_signals_refused_total",
			Help: "Total number of signals refused by the queue",
		},
		[]string{"tier", "cause"},
	)

	// QueueOccupancy tracks current queue depth.
	QueueOccupancy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chimera_queue_occupancy",
		Help: "Current number of signals buffered in the admission queue",
	})
)
