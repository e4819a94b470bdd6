// Package metrics registers the Prometheus collectors exposed at
// /metrics: admission outcomes by route and HTTP status code, end-to-end admission
// latency, and the ledger worker's batch throughput.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmguard_admission_decisions_total",
			Help: "Total admission pipeline outcomes by route and HTTP status code.",
		},
		[]string{"route", "kind"},
	)

	AdmissionLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmguard_admission_latency_seconds",
			Help:    "End-to-end admission pipeline latency, including the provider round trip.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	LedgerWorkerBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmguard_ledger_worker_batches_total",
			Help: "Total number of stream batches the ledger worker has drained.",
		},
	)

	LedgerWorkerBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llmguard_ledger_worker_batch_duration_seconds",
			Help:    "Time to process one drained batch of usage events.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	LedgerWorkerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmguard_ledger_worker_events_total",
			Help: "Total usage events processed by outcome.",
		},
		[]string{"outcome"}, // persisted, malformed, retry
	)

	ProviderHealthGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmguard_provider_healthy",
			Help: "Provider health status (1 = healthy, 0 = unhealthy).",
		},
		[]string{"provider"},
	)
)

// RecordAdmission emits both admission collectors. The admission pipeline
// calls it once per Admit, passing the outcome's HTTP status code as kind.
func RecordAdmission(route, kind string, start time.Time) {
	AdmissionDecisionsTotal.WithLabelValues(route, kind).Inc()
	AdmissionLatencySeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
}
