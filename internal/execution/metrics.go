package execution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chimera_execution_entries_total",
		Help: "Entry attempts by terminal outcome",
	}, []string{"outcome"})

	ExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chimera_execution_exits_total",
		Help: "Exit attempts by outcome",
	}, []string{"outcome"})

	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chimera_execution_retries_total",
		Help: "Resumed retry attempts",
	})

	SubmissionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chimera_execution_submission_failures_total",
		Help: "Failed backend submissions by mode",
	}, []string{"mode"})
)
