// Package metrics exposes the Prometheus series sysmasterd publishes for
// job admission, service lifecycle timing, and reconciliation cycles.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UnitsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sysmasterd_units_total",
			Help: "Total number of loaded units by type and active state",
		},
		[]string{"type", "active_state"},
	)

	JobsQueuedTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sysmasterd_jobs_queued",
			Help: "Number of jobs admitted by kind (incremented on admission, never decremented)",
		},
		[]string{"kind"},
	)

	JobAdmissionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sysmasterd_job_admission_duration_seconds",
			Help:    "Time taken for JobManager.exec to stage and merge a job request",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobCompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysmasterd_job_completions_total",
			Help: "Total number of completed jobs by kind and result",
		},
		[]string{"kind", "result"},
	)

	ServiceRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysmasterd_service_restarts_total",
			Help: "Total number of automatic service restarts by unit",
		},
		[]string{"unit"},
	)

	ServiceStateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sysmasterd_service_state_duration_seconds",
			Help:    "Time spent by a service in a given ServiceState before transitioning out",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"state"},
	)

	WatchdogTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysmasterd_watchdog_trips_total",
			Help: "Total number of watchdog timeouts by unit",
		},
		[]string{"unit"},
	)

	StartLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysmasterd_start_limit_hits_total",
			Help: "Total number of StartLimitBurst violations by unit",
		},
		[]string{"unit"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sysmasterd_reconciliation_duration_seconds",
			Help:    "Time taken to drain the UnitRuntime load/target-dependency/stop-when-bound queues",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sysmasterd_reconciliation_cycles_total",
			Help: "Total number of UnitRuntime queue-drain cycles completed",
		},
	)

	ReliabilityWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sysmasterd_reliability_write_duration_seconds",
			Help:    "Time taken for a db_insert round-trip to the reliability store",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(UnitsTotal)
	prometheus.MustRegister(JobsQueuedTotal)
	prometheus.MustRegister(JobAdmissionDuration)
	prometheus.MustRegister(JobCompletionsTotal)
	prometheus.MustRegister(ServiceRestartsTotal)
	prometheus.MustRegister(ServiceStateDuration)
	prometheus.MustRegister(WatchdogTripsTotal)
	prometheus.MustRegister(StartLimitHitsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReliabilityWriteDuration)
}

// Handler exposes the /metrics endpoint for whatever HTTP mux the daemon
// entrypoint wires it into; the HTTP surface itself is out of scope here.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall time between a start event and an Observe call.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time on a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
