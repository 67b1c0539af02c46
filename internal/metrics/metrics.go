// Package metrics exposes Prometheus counters and a scrape-time
// Collector for the ingestion pipeline. This package does not serve an
// HTTP /metrics endpoint itself — that remains a hosting collaborator's
// job, mirroring the teacher's own metrics package, which registers
// counters into the default prometheus.Registry and leaves the HTTP
// wiring to cmd/tr-engine/main.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mtc_agent_core"

// Ingest counters, incremented directly by internal/pipeline as
// observations pass through the duplicate/unit-conversion/rate-filter
// chain (BufferEvictionsTotal by internal/buffer), the same way the teacher increments MQTTMessagesTotal and
// MQTTHandlerMessagesTotal directly from ingest.Pipeline's handlers.
var (
	ObservationsIngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "observations_ingested_total",
		Help:      "Total observations accepted by DeliverObservation before any filtering.",
	})

	MappingFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mapping_failures_total",
		Help:      "Observations dropped because their data item id did not resolve against the device model.",
	})

	DuplicateSuppressedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_suppressed_total",
		Help:      "Observations suppressed by the duplicate filter.",
	})

	DeltaSuppressedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delta_suppressed_total",
		Help:      "Samples suppressed by the minimum-delta rate filter.",
	})

	PeriodSuppressedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "period_suppressed_total",
		Help:      "Observations coalesced into a delayed emit by the period rate filter.",
	})

	BufferEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "buffer_evictions_total",
		Help:      "Observations evicted from the circular buffer to make room for new appends.",
	})
)

func init() {
	prometheus.MustRegister(
		ObservationsIngestedTotal,
		MappingFailuresTotal,
		DuplicateSuppressedTotal,
		DeltaSuppressedTotal,
		PeriodSuppressedTotal,
		BufferEvictionsTotal,
	)
}
