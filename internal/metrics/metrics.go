// ============================================================================
// pixelsqueeze Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: count what happened to every job and time every optimizer step
//
// Metric groups:
//
//   1. Job counters (Counter):
//      - pixelsqueeze_jobs_submitted_total
//      - pixelsqueeze_jobs_rejected_total{reason}
//      - pixelsqueeze_jobs_compressed_total
//      - pixelsqueeze_jobs_failed_total{reason}
//      - pixelsqueeze_jobs_restored_total      (no gain, original kept)
//      - pixelsqueeze_artifacts_kept_total
//      - pixelsqueeze_bytes_saved_total
//
//   2. Latency (Histogram):
//      - pixelsqueeze_job_duration_seconds{format}
//      - pixelsqueeze_step_duration_seconds{step,result}
//
//   3. Load (Gauge):
//      - pixelsqueeze_jobs_pending
//      - pixelsqueeze_workers_active
//
// Wiring:
//   - Report       is a completion sink (collector)
//   - ObserveStep  is the executor's step observer
//   - ObserveLoad  is the worker pool's load observer
//   - RecordSubmitted is called by the controller for every accepted path
//
// Export:
//   No HTTP endpoint. WriteTextfile dumps a gatherer in the text exposition
//   format at the end of a run, for node_exporter's textfile collector.
//
// ============================================================================

package metrics

import (
	"time"

	"github.com/ChuLiYu/pixelsqueeze/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pixelsqueeze"

// stepBuckets cover a fast jpegtran pass up to a multi-minute guetzli run.
var stepBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Collector holds every pixelsqueeze metric.
type Collector struct {
	jobsSubmitted  prometheus.Counter
	jobsRejected   *prometheus.CounterVec
	jobsCompressed prometheus.Counter
	jobsFailed     *prometheus.CounterVec
	jobsRestored   prometheus.Counter
	artifactsKept  prometheus.Counter
	bytesSaved     prometheus.Counter

	jobDuration  *prometheus.HistogramVec
	stepDuration *prometheus.HistogramVec

	jobsPending   prometheus.Gauge
	workersActive prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of paths accepted for processing",
		}),
		jobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Total number of submissions rejected during validation",
		}, []string{"reason"}),
		jobsCompressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_compressed_total",
			Help:      "Total number of jobs that settled as compressed",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs whose optimizer chain failed",
		}, []string{"reason"}),
		jobsRestored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_restored_total",
			Help:      "Total number of compressed jobs whose original was kept because the result was not smaller",
		}),
		artifactsKept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_kept_total",
			Help:      "Total number of derived WebP artifacts retained",
		}),
		bytesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_saved_total",
			Help:      "Total bytes removed from main files",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of a compression run",
			Buckets:   stepBuckets,
		}, []string{"format"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of one optimizer invocation",
			Buckets:   stepBuckets,
		}, []string{"step", "result"}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Jobs waiting for a worker",
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Workers currently running a job",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.jobsSubmitted,
			c.jobsRejected,
			c.jobsCompressed,
			c.jobsFailed,
			c.jobsRestored,
			c.artifactsKept,
			c.bytesSaved,
			c.jobDuration,
			c.stepDuration,
			c.jobsPending,
			c.workersActive,
		)
	}
	return c
}

// RecordSubmitted counts one accepted submission.
func (c *Collector) RecordSubmitted() {
	c.jobsSubmitted.Inc()
}

// Report records a settled job. It implements collector.Sink.
func (c *Collector) Report(ev types.Event) {
	switch ev.State {
	case types.StateCompressed:
		c.jobsCompressed.Inc()
		if ev.Restored {
			c.jobsRestored.Inc()
		}
		if ev.HasArtifact {
			c.artifactsKept.Inc()
		}
		if saved := ev.OriginalSize - ev.FinalSize; saved > 0 {
			c.bytesSaved.Add(float64(saved))
		}
		c.jobDuration.WithLabelValues(string(ev.Format)).Observe(ev.Duration.Seconds())
	case types.StateFailed:
		if ev.FailureReason.Rejection() {
			c.jobsRejected.WithLabelValues(string(ev.FailureReason)).Inc()
			return
		}
		c.jobsFailed.WithLabelValues(string(ev.FailureReason)).Inc()
		if ev.Duration > 0 {
			c.jobDuration.WithLabelValues(string(ev.Format)).Observe(ev.Duration.Seconds())
		}
	}
}

// ObserveStep records one optimizer invocation. It implements executor.Observer.
func (c *Collector) ObserveStep(step string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.stepDuration.WithLabelValues(step, result).Observe(d.Seconds())
}

// ObserveLoad updates the pool gauges. It implements worker.LoadObserver.
func (c *Collector) ObserveLoad(pending, active int) {
	c.jobsPending.Set(float64(pending))
	c.workersActive.Set(float64(active))
}

// WriteTextfile writes everything g gathers to path in the Prometheus text
// format. The file is replaced atomically.
func WriteTextfile(g prometheus.Gatherer, path string) error {
	return prometheus.WriteToTextfile(path, g)
}
