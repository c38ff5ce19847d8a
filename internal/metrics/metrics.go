// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	pageWaitSeconds            prometheus.Histogram
	scheduleRunsTotal          *prometheus.CounterVec
	liveStreams                prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		pageWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchestrator_page_wait_seconds",
				Help:    "Time target workers spent waiting between page fetches.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
		)

		scheduleRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_schedule_runs_total",
				Help: "Scheduled task creations, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		liveStreams = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_live_streams",
				Help: "Open task event streams.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObservePageWait records one pacing wait. The key is not used as a label to
// keep cardinality bounded.
func ObservePageWait(_ string, waited time.Duration) {
	Init()
	pageWaitSeconds.Observe(waited.Seconds())
}

// ObserveScheduleRun counts a scheduled trigger as "success" or "failed".
func ObserveScheduleRun(ok bool) {
	Init()
	outcome := "success"
	if !ok {
		outcome = "failed"
	}
	scheduleRunsTotal.WithLabelValues(outcome).Inc()
}

// StreamOpened increments the open stream gauge.
func StreamOpened() {
	Init()
	liveStreams.Inc()
}

// StreamClosed decrements the open stream gauge.
func StreamClosed() {
	Init()
	liveStreams.Dec()
}
