package ingress

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SignalsAcceptedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chimera_ingress_signals_accepted_total",
		Help: "Signals that passed validation and admission, by tier",
	}, []string{"tier"})

	SignalsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chimera_ingress_signals_rejected_total",
		Help: "Signals refused at ingress, by reason code",
	}, []string{"reason"})
)
