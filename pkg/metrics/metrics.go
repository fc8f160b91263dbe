// Package metrics exposes the dispatcher's Prometheus instrumentation:
// job/host counts by state, scheduler tick latency, coordination-store
// operation latency, and worker pool occupancy.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pogo",
		Name:      "jobs_by_state",
		Help:      "Current number of jobs in each state.",
	}, []string{"state"})

	HostsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pogo",
		Name:      "hosts_by_state",
		Help:      "Current number of hosts in each state.",
	}, []string{"state"})

	SchedulerTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pogo",
		Name:      "scheduler_tick_duration_seconds",
		Help:      "Duration of a single scheduler tick.",
		Buckets:   prometheus.DefBuckets,
	})

	CSOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pogo",
		Name:      "cs_operation_duration_seconds",
		Help:      "Duration of coordination store operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	CSOperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pogo",
		Name:      "cs_operation_errors_total",
		Help:      "Count of coordination store operation failures.",
	}, []string{"op", "kind"})

	WorkersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pogo",
		Name:      "workers_connected",
		Help:      "Number of workers currently connected.",
	})

	WorkerInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pogo",
		Name:      "worker_in_flight",
		Help:      "In-flight task count per worker.",
	}, []string{"worker_id"})

	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pogo",
		Name:      "dispatches_total",
		Help:      "Count of dispatches issued, by outcome.",
	}, []string{"outcome"})
)

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall time for a single observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time on a histogram vector.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time without recording it.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
