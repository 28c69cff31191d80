package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs         *prometheus.CounterVec
	failures     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	stalePending *prometheus.GaugeVec
	notified     *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// SetStalePending records how many change records per table are waiting past
// the digest threshold. Tables absent from counts are reset to zero.
func (m *Metrics) SetStalePending(counts map[string]int) {
	if m == nil {
		return
	}
	m.stalePending.Reset()
	for table, n := range counts {
		m.stalePending.WithLabelValues(table).Set(float64(n))
	}
}

// Notified counts delivered change notifications by outcome.
func (m *Metrics) Notified(status string) {
	if m == nil {
		return
	}
	m.notified.WithLabelValues(status).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	stalePending := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "odyssey_changes_stale_pending",
		Help: "Change records pending longer than the digest threshold.",
	}, []string{"table"})
	notified := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_changes_notifications_total",
		Help: "Change resolution notifications published, by record status.",
	}, []string{"status"})
	registerer.MustRegister(runs, failures, duration, stalePending, notified)
	return &Metrics{runs: runs, failures: failures, duration: duration, stalePending: stalePending, notified: notified}
}
