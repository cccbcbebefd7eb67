package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "execution_backend"

var (
	filesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_processed_total",
			Help:      "Total number of processed files by terminal status",
		},
		[]string{"status"},
	)

	fileProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "file_processing_duration_seconds",
			Help:      "File processing duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of batch jobs by outcome",
		},
		[]string{"outcome"},
	)

	executionsFinalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finalized_total",
			Help:      "Total number of executions moved to a terminal status by the callback",
		},
		[]string{"status"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retried operations",
		},
		[]string{"operation"},
	)

	retriesExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_exhausted_total",
			Help:      "Total number of operations that ran out of retry attempts",
		},
		[]string{"operation"},
	)

	circuitOpensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_opens_total",
			Help:      "Total number of circuit breaker trips",
		},
		[]string{"operation"},
	)

	poolRefreshesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_pool_refreshes_total",
			Help:      "Total number of forced database pool refreshes",
		},
	)
)

// RecordFileProcessed records the terminal status and duration of a file.
func RecordFileProcessed(status string, duration time.Duration) {
	filesProcessedTotal.WithLabelValues(status).Inc()
	fileProcessingDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordBatch records the outcome of a batch job.
func RecordBatch(outcome string) {
	batchesTotal.WithLabelValues(outcome).Inc()
}

// RecordExecutionFinalized records a terminal execution status.
func RecordExecutionFinalized(status string) {
	executionsFinalizedTotal.WithLabelValues(status).Inc()
}

// RecordRetry records a retry of the given operation type.
func RecordRetry(operation string) {
	retriesTotal.WithLabelValues(operation).Inc()
}

// RecordRetriesExhausted records an operation that gave up.
func RecordRetriesExhausted(operation string) {
	retriesExhaustedTotal.WithLabelValues(operation).Inc()
}

// RecordCircuitOpen records a circuit breaker trip.
func RecordCircuitOpen(operation string) {
	circuitOpensTotal.WithLabelValues(operation).Inc()
}

// RecordPoolRefresh records a forced database pool refresh.
func RecordPoolRefresh() {
	poolRefreshesTotal.Inc()
}

// Handler returns the prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
