package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var DiscrepanciesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chimera_reconcile_discrepancies_total",
	Help: "Discrepancies detected, by kind and resolution",
}, []string{"kind", "resolution"})
