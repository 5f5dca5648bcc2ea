// Package metrics exposes the server's Prometheus instrumentation:
// request counts by serving mode, drift op durations, and worker queue
// depth. Collectors are registered once at startup; recording on the hot
// path is a single atomic update per event.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mode labels how a request was served.
const (
	ModeReply    = "reply"    // precomputed json/text/string route
	ModeFastPath = "fastpath" // statically analyzed action
	ModeDynamic  = "dynamic"  // worker-dispatched execution
	ModeNotFound = "not_found"
	ModeError    = "error"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "titan",
		Name:      "requests_total",
		Help:      "Requests served, labelled by serving mode.",
	}, []string{"mode"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "titan",
		Name:      "request_duration_seconds",
		Help:      "End-to-end request latency by serving mode.",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 12),
	}, []string{"mode"})

	DriftDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "titan",
		Name:      "drift_duration_seconds",
		Help:      "Async drift op latency by op type and outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"op", "outcome"})

	WorkerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "titan",
		Name:      "worker_queue_depth",
		Help:      "Commands waiting per worker queue.",
	}, []string{"worker"})

	ActionsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "titan",
		Name:      "actions_registered",
		Help:      "Actions compiled and registered at startup.",
	})

	FastPathsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "titan",
		Name:      "fastpaths_registered",
		Help:      "Actions with a statically analyzed constant response.",
	})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
