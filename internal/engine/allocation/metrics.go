package allocation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	successTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_allocations_total",
			Help: "Successful allocations by type (FULL/PARTIAL)",
		},
		[]string{"type"},
	)

	conflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_allocation_conflicts_total",
			Help: "Optimistic-concurrency conflicts observed during allocation",
		},
	)

	exhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_allocation_retries_exhausted_total",
			Help: "Allocations surfaced as retryable after exhausting the attempt bound",
		},
	)
)
