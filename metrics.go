package jobsched

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsPolicy defines hooks used by the scheduler to report
// admission, execution and throttling activity.
//
// Implementations must be safe for concurrent use.
// All methods are expected to be lightweight and non-blocking.
type MetricsPolicy interface {
	// IncSubmitted counts an admitted job.
	IncSubmitted(tier Tier)

	// IncProcessed counts a job that completed successfully.
	IncProcessed(jobType string)

	// IncFailed counts a job that reached a failed terminal state.
	IncFailed(jobType string)

	// IncRetried counts a scheduled retry.
	IncRetried(jobType string)

	// IncEvicted counts a low tier job displaced by admission.
	IncEvicted()

	// IncThrottled counts an auto-pause caused by high load.
	IncThrottled()

	// ObserveProcessing records execution time of a completed job.
	ObserveProcessing(jobType string, d time.Duration)

	// ObserveQueueWait records time between enqueue and dequeue.
	ObserveQueueWait(tier Tier, d time.Duration)

	// SetQueued reports the current depth of a tier.
	SetQueued(tier Tier, n int)

	// SetActive reports the current number of executing jobs.
	SetActive(n int)
}

// MetricsSnapshot holds the running counters exposed through Status.
type MetricsSnapshot struct {
	JobsSubmitted         uint64        `json:"jobs_submitted"`
	JobsProcessed         uint64        `json:"jobs_processed"`
	JobsFailed            uint64        `json:"jobs_failed"`
	JobsRetried           uint64        `json:"jobs_retried"`
	JobsEvicted           uint64        `json:"jobs_evicted"`
	ResourceThrottleCount uint64        `json:"resource_throttle_count"`
	AvgProcessingTime     time.Duration `json:"avg_processing_time"`
	AvgQueueWaitTime      time.Duration `json:"avg_queue_wait_time"`
}

// RunningMetrics is the built-in MetricsPolicy. Counters are atomics;
// the two running averages share a mutex.
//
// Writes are optimized for hot paths.
// Reads are intended for cold-path observation.
type RunningMetrics struct {
	submitted atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	evicted   atomic.Uint64
	throttled atomic.Uint64

	mu      sync.Mutex
	procAvg runningMean
	waitAvg runningMean
}

// runningMean is an incremental arithmetic mean.
type runningMean struct {
	n   uint64
	avg float64
}

func (m *runningMean) add(x float64) {
	m.n++
	m.avg += (x - m.avg) / float64(m.n)
}

func (m *RunningMetrics) IncSubmitted(Tier)   { m.submitted.Add(1) }
func (m *RunningMetrics) IncProcessed(string) { m.processed.Add(1) }
func (m *RunningMetrics) IncFailed(string)    { m.failed.Add(1) }
func (m *RunningMetrics) IncRetried(string)   { m.retried.Add(1) }
func (m *RunningMetrics) IncEvicted()         { m.evicted.Add(1) }
func (m *RunningMetrics) IncThrottled()       { m.throttled.Add(1) }
func (m *RunningMetrics) SetQueued(Tier, int) {}
func (m *RunningMetrics) SetActive(int)       {}

func (m *RunningMetrics) ObserveProcessing(_ string, d time.Duration) {
	m.mu.Lock()
	m.procAvg.add(float64(d))
	m.mu.Unlock()
}

func (m *RunningMetrics) ObserveQueueWait(_ Tier, d time.Duration) {
	m.mu.Lock()
	m.waitAvg.add(float64(d))
	m.mu.Unlock()
}

// Snapshot returns a consistent copy of the counters.
func (m *RunningMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	proc, wait := m.procAvg.avg, m.waitAvg.avg
	m.mu.Unlock()
	return MetricsSnapshot{
		JobsSubmitted:         m.submitted.Load(),
		JobsProcessed:         m.processed.Load(),
		JobsFailed:            m.failed.Load(),
		JobsRetried:           m.retried.Load(),
		JobsEvicted:           m.evicted.Load(),
		ResourceThrottleCount: m.throttled.Load(),
		AvgProcessingTime:     time.Duration(proc),
		AvgQueueWaitTime:      time.Duration(wait),
	}
}

// teeMetrics forwards every hook to both the built-in counters and an
// external policy.
type teeMetrics struct {
	a *RunningMetrics
	b MetricsPolicy
}

func (t teeMetrics) IncSubmitted(tier Tier)     { t.a.IncSubmitted(tier); t.b.IncSubmitted(tier) }
func (t teeMetrics) IncProcessed(typ string)    { t.a.IncProcessed(typ); t.b.IncProcessed(typ) }
func (t teeMetrics) IncFailed(typ string)       { t.a.IncFailed(typ); t.b.IncFailed(typ) }
func (t teeMetrics) IncRetried(typ string)      { t.a.IncRetried(typ); t.b.IncRetried(typ) }
func (t teeMetrics) IncEvicted()                { t.a.IncEvicted(); t.b.IncEvicted() }
func (t teeMetrics) IncThrottled()              { t.a.IncThrottled(); t.b.IncThrottled() }
func (t teeMetrics) SetQueued(tier Tier, n int) { t.a.SetQueued(tier, n); t.b.SetQueued(tier, n) }
func (t teeMetrics) SetActive(n int)            { t.a.SetActive(n); t.b.SetActive(n) }

func (t teeMetrics) ObserveProcessing(typ string, d time.Duration) {
	t.a.ObserveProcessing(typ, d)
	t.b.ObserveProcessing(typ, d)
}

func (t teeMetrics) ObserveQueueWait(tier Tier, d time.Duration) {
	t.a.ObserveQueueWait(tier, d)
	t.b.ObserveQueueWait(tier, d)
}

//------------- NoopMetrics ----------------------------------

// NoopMetrics is a MetricsPolicy implementation that discards
// all metric updates.
//
// It can be used when no external metrics sink is configured.
type NoopMetrics struct{}

func (m *NoopMetrics) IncSubmitted(Tier)                       {}
func (m *NoopMetrics) IncProcessed(string)                     {}
func (m *NoopMetrics) IncFailed(string)                        {}
func (m *NoopMetrics) IncRetried(string)                       {}
func (m *NoopMetrics) IncEvicted()                             {}
func (m *NoopMetrics) IncThrottled()                           {}
func (m *NoopMetrics) ObserveProcessing(string, time.Duration) {}
func (m *NoopMetrics) ObserveQueueWait(Tier, time.Duration)    {}
func (m *NoopMetrics) SetQueued(Tier, int)                     {}
func (m *NoopMetrics) SetActive(int)                           {}
