// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvesterItemsTotal         *prometheus.CounterVec
	harvesterRecordsSavedTotal  prometheus.Counter
	harvesterSinkFailuresTotal  *prometheus.CounterVec
	harvesterSessionRestarts    *prometheus.CounterVec
	harvesterWatchdogRecoveries prometheus.Counter
	harvesterThrottleHitsTotal  prometheus.Counter
	harvesterItemDuration       prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvesterItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_items_total",
				Help: "Total number of work items processed, labeled by final status.",
			},
			[]string{"status"},
		)

		harvesterRecordsSavedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_records_saved_total",
				Help: "Total number of records confirmed by the primary sink.",
			},
		)

		harvesterSinkFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_sink_failures_total",
				Help: "Total number of sink write failures, labeled by sink.",
			},
			[]string{"sink"},
		)

		harvesterSessionRestarts = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_session_restarts_total",
				Help: "Total number of session restarts, labeled by reason.",
			},
			[]string{"reason"},
		)

		harvesterWatchdogRecoveries = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_watchdog_recoveries_total",
				Help: "Total number of watchdog-initiated recoveries.",
			},
		)

		harvesterThrottleHitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_throttle_hits_total",
				Help: "Total number of rate-limit interstitials encountered.",
			},
		)

		harvesterItemDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_item_duration_seconds",
				Help:    "Histogram of per-item processing durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 180},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem increments the item counter for the given final status.
func ObserveItem(status string) {
	harvesterItemsTotal.WithLabelValues(status).Inc()
}

// AddRecordsSaved counts records the primary sink confirmed.
func AddRecordsSaved(n int) {
	if n > 0 {
		harvesterRecordsSavedTotal.Add(float64(n))
	}
}

// ObserveSinkFailure increments the failure counter for a sink.
func ObserveSinkFailure(sink string) {
	harvesterSinkFailuresTotal.WithLabelValues(sink).Inc()
}

// ObserveSessionRestart increments the restart counter for a reason.
func ObserveSessionRestart(reason string) {
	harvesterSessionRestarts.WithLabelValues(reason).Inc()
}

// ObserveWatchdogRecovery increments the watchdog recovery counter.
func ObserveWatchdogRecovery() {
	harvesterWatchdogRecoveries.Inc()
}

// ObserveThrottleHit increments the throttle counter.
func ObserveThrottleHit() {
	harvesterThrottleHitsTotal.Inc()
}

// ObserveItemDuration records how long one item took.
func ObserveItemDuration(seconds float64) {
	harvesterItemDuration.Observe(seconds)
}
