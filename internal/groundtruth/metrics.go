package groundtruth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LookupsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chimera_groundtruth_lookups_total",
		Help: "Submission lookups against the ground-truth source",
	})

	MarksRefreshedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chimera_groundtruth_marks_refreshed_total",
		Help: "Mark prices written into the cache by the refresh loop",
	})

	MarkRefreshFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chimera_groundtruth_mark_refresh_failures_total",
		Help: "Failed mark refresh rounds",
	})
)
