// Package promexport reports scheduler activity to Prometheus.
package promexport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/azargarov/jobsched"
)

// Metrics implements jobsched.MetricsPolicy on Prometheus collectors.
type Metrics struct {
	submitted  *prometheus.CounterVec
	processed  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	retried    *prometheus.CounterVec
	evicted    prometheus.Counter
	throttled  prometheus.Counter
	queued     *prometheus.GaugeVec
	active     prometheus.Gauge
	processing *prometheus.HistogramVec
	queueWait  *prometheus.HistogramVec
}

var _ jobsched.MetricsPolicy = (*Metrics)(nil)

// New registers the scheduler collectors with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobsched_jobs_submitted_total",
			Help: "Total number of jobs admitted to the queue",
		}, []string{"tier"}),
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobsched_jobs_processed_total",
			Help: "Total number of jobs completed successfully",
		}, []string{"job_type"}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobsched_jobs_failed_total",
			Help: "Total number of jobs that ended in the failed state",
		}, []string{"job_type"}),
		retried: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobsched_jobs_retried_total",
			Help: "Total number of scheduled retries",
		}, []string{"job_type"}),
		evicted: f.NewCounter(prometheus.CounterOpts{
			Name: "jobsched_jobs_evicted_total",
			Help: "Total number of low tier jobs evicted by higher priority admissions",
		}),
		throttled: f.NewCounter(prometheus.CounterOpts{
			Name: "jobsched_resource_throttle_total",
			Help: "Total number of dispatch pauses caused by high resource load",
		}),
		queued: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobsched_queue_length",
			Help: "Current number of queued jobs per tier",
		}, []string{"tier"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Name: "jobsched_active_jobs",
			Help: "Current number of executing jobs",
		}),
		// 10ms to ~163s
		processing: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobsched_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"job_type"}),
		queueWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobsched_queue_wait_seconds",
			Help:    "Time between enqueue and dispatch in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"tier"}),
	}
}

func (m *Metrics) IncSubmitted(t jobsched.Tier) { m.submitted.WithLabelValues(t.String()).Inc() }
func (m *Metrics) IncProcessed(typ string)      { m.processed.WithLabelValues(typ).Inc() }
func (m *Metrics) IncFailed(typ string)         { m.failed.WithLabelValues(typ).Inc() }
func (m *Metrics) IncRetried(typ string)        { m.retried.WithLabelValues(typ).Inc() }
func (m *Metrics) IncEvicted()                  { m.evicted.Inc() }
func (m *Metrics) IncThrottled()                { m.throttled.Inc() }
func (m *Metrics) SetActive(n int)              { m.active.Set(float64(n)) }

func (m *Metrics) SetQueued(t jobsched.Tier, n int) {
	m.queued.WithLabelValues(t.String()).Set(float64(n))
}

func (m *Metrics) ObserveProcessing(typ string, d time.Duration) {
	m.processing.WithLabelValues(typ).Observe(d.Seconds())
}

func (m *Metrics) ObserveQueueWait(t jobsched.Tier, d time.Duration) {
	m.queueWait.WithLabelValues(t.String()).Observe(d.Seconds())
}
