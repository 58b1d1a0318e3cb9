package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_events_published_total",
			Help: "Engine events published by type",
		},
		[]string{"type"},
	)

	deliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_events_delivery_failures_total",
			Help: "Event deliveries that failed or panicked, by type",
		},
		[]string{"type"},
	)
)
