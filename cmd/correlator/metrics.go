package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric definitions for the correlator process

var (
	// Scheduler metrics
	runnerBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "correlator",
			Subsystem: "runner",
			Name:      "batches_total",
			Help:      "Total number of scheduler ticks that fetched a batch",
		},
	)

	runnerBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "correlator",
			Subsystem: "runner",
			Name:      "batch_size",
			Help:      "Number of events per fetched batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1 to 8192
		},
	)

	runnerFetchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "correlator",
			Subsystem: "runner",
			Name:      "fetch_errors_total",
			Help:      "Total number of failed source fetches",
		},
	)

	runnerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "correlator",
			Subsystem: "runner",
			Name:      "tick_duration_seconds",
			Help:      "Time to fetch and evaluate one batch",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
	)

	// Alerting metrics
	alertsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "correlator",
			Subsystem: "alerts",
			Name:      "delivered_total",
			Help:      "Total number of match deliveries by sink and outcome",
		},
		[]string{"sink", "status"},
	)
)

// promHooks reports scheduler activity to Prometheus
type promHooks struct{}

func (promHooks) ObserveTick(batchSize int, elapsed time.Duration) {
	runnerBatches.Inc()
	runnerBatchSize.Observe(float64(batchSize))
	runnerTickDuration.Observe(elapsed.Seconds())
}

func (promHooks) FetchFailed() {
	runnerFetchErrors.Inc()
}

// observeDelivery counts the outcome of one sink delivery
func observeDelivery(sink string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	alertsDelivered.WithLabelValues(sink, status).Inc()
}
