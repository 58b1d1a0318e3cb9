package negotiation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	offersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_negotiation_offers_total",
			Help: "Offers submitted by side and origin (human/ai)",
		},
		[]string{"side", "origin"},
	)

	terminalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_negotiations_terminal_total",
			Help: "Negotiations reaching a terminal state, by state",
		},
		[]string{"state"},
	)
)
