package roster

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var MergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chimera_roster_merges_total",
	Help: "Roster merge attempts, by outcome",
}, []string{"outcome"})
