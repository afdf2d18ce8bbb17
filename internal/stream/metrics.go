package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ClientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chimera_stream_clients",
		Help: "Connected stream subscribers",
	})

	EventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chimera_stream_events_total",
		Help: "Events fanned out to subscribers",
	})
)
