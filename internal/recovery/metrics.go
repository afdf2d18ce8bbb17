package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var RepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chimera_recovery_repairs_total",
	Help: "Stuck exits repaired by the sweep, by resolution",
}, []string{"resolution"})
