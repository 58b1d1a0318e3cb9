package token

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	issuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_tokens_issued_total",
			Help: "Match tokens issued",
		},
	)

	sweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_tokens_swept_total",
			Help: "Match tokens expired by the sweeper",
		},
	)
)
