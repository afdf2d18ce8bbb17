package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreBusyRetriesTotal tracks transient lock-contention retries.
	StoreBusyRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chimera_store_busy_retries_total",
		Help: "Total number of retried store operations due to lock contention",
	})
)
