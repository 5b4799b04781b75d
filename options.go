package jobsched

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

const (
	DefaultMaxConcurrentJobs   = 5
	DefaultTierCapacity        = 1000
	DefaultJobTimeout          = 5 * time.Minute
	DefaultDrainTimeout        = 30 * time.Second
	DefaultMaintenanceInterval = 30 * time.Second
	DefaultPauseCooldown       = 10 * time.Second
	DefaultRetention           = time.Hour
	DefaultSampleInterval      = time.Second
	DefaultCPUThreshold        = 80.0
	DefaultMemoryThresholdMB   = 1024.0
)

// DefaultCadence is the poll cadence of each tier.
var DefaultCadence = map[Tier]time.Duration{
	TierCritical: 500 * time.Millisecond,
	TierHigh:     time.Second,
	TierMedium:   2 * time.Second,
	TierLow:      5 * time.Second,
}

// Thresholds define when sampled resource usage counts as high load.
type Thresholds struct {
	CPUPercent float64
	MemoryMB   float64
}

// CacheRefresh periodically submits a refresh job from the maintenance task.
type CacheRefresh struct {
	JobType  string
	Tier     Tier
	Interval time.Duration
	Payload  any
}

// Options configure a Scheduler.
//
// All zero values are replaced with sensible defaults in FillDefaults.
type Options struct {
	MaxConcurrentJobs int

	// TierCapacity and Cadence are per tier; missing tiers use defaults.
	TierCapacity map[Tier]int
	Cadence      map[Tier]time.Duration

	// JobTimeouts holds per job type execution timeouts.
	JobTimeouts       map[string]time.Duration
	DefaultJobTimeout time.Duration

	Retry       RetryPolicy
	RetryByType map[string]RetryPolicy

	Thresholds      Thresholds
	PauseOnHighLoad bool
	PauseCooldown   time.Duration

	SampleInterval      time.Duration
	MaintenanceInterval time.Duration
	Retention           time.Duration
	DrainTimeout        time.Duration

	CacheRefresh *CacheRefresh

	// Executor runs job payloads. A *Registry is the usual choice.
	Executor Executor

	// Sampler overrides the process resource sampler.
	Sampler Sampler

	// Metrics receives metric hooks in addition to the built-in counters.
	Metrics MetricsPolicy

	OnJobError      func(error)
	OnInternalError func(error)
}

func (o *Options) FillDefaults() {
	if o.MaxConcurrentJobs <= 0 {
		o.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	caps := make(map[Tier]int, numTiers)
	cad := make(map[Tier]time.Duration, numTiers)
	for _, t := range Tiers {
		caps[t] = DefaultTierCapacity
		if c := o.TierCapacity[t]; c > 0 {
			caps[t] = c
		}
		cad[t] = DefaultCadence[t]
		if c := o.Cadence[t]; c > 0 {
			cad[t] = c
		}
	}
	o.TierCapacity, o.Cadence = caps, cad

	if o.DefaultJobTimeout <= 0 {
		o.DefaultJobTimeout = DefaultJobTimeout
	}
	o.Retry = GetDefaultRP().merge(o.Retry)
	o.Retry.fillDefaults()

	if o.Thresholds.CPUPercent <= 0 {
		o.Thresholds.CPUPercent = DefaultCPUThreshold
	}
	if o.Thresholds.MemoryMB <= 0 {
		o.Thresholds.MemoryMB = DefaultMemoryThresholdMB
	}
	if o.PauseCooldown <= 0 {
		o.PauseCooldown = DefaultPauseCooldown
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = DefaultSampleInterval
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	if o.Executor == nil {
		o.Executor = NewRegistry()
	}
	if o.Sampler == nil {
		o.Sampler = NewProcessSampler()
	}
	if o.Metrics == nil {
		o.Metrics = &NoopMetrics{}
	}
}

// Validate reports every invalid setting. Call after FillDefaults.
func (o *Options) Validate() error {
	var err error
	for typ, d := range o.JobTimeouts {
		if d <= 0 {
			err = multierr.Append(err, fmt.Errorf("timeout for job type %q must be positive", typ))
		}
	}
	for typ, rp := range o.RetryByType {
		if rp.InitialDelay < 0 || rp.Multiplier < 0 || rp.MaxDelay < 0 {
			err = multierr.Append(err, fmt.Errorf("retry policy for job type %q has negative values", typ))
			continue
		}
		if merged := o.retryFor(typ); merged.Jitter && merged.Multiplier != defaultMultiplier {
			err = multierr.Append(err, fmt.Errorf("retry policy for job type %q: jittered backoff requires multiplier 2, got %v", typ, merged.Multiplier))
		}
	}
	if o.Retry.Multiplier < 1 {
		err = multierr.Append(err, errors.New("retry multiplier must be at least 1"))
	}
	if o.Retry.Jitter && o.Retry.Multiplier != defaultMultiplier {
		err = multierr.Append(err, fmt.Errorf("jittered retry backoff requires multiplier 2, got %v", o.Retry.Multiplier))
	}
	if o.Thresholds.CPUPercent > 100 {
		err = multierr.Append(err, errors.New("cpu threshold must not exceed 100 percent"))
	}
	if cr := o.CacheRefresh; cr != nil {
		if cr.JobType == "" {
			err = multierr.Append(err, errors.New("cache refresh job type is required"))
		}
		if cr.Interval <= 0 {
			err = multierr.Append(err, errors.New("cache refresh interval must be positive"))
		}
		if !cr.Tier.valid() {
			err = multierr.Append(err, fmt.Errorf("cache refresh tier %d is invalid", cr.Tier))
		}
	}
	return err
}

func (o *Options) timeoutFor(jobType string) time.Duration {
	if d, ok := o.JobTimeouts[jobType]; ok && d > 0 {
		return d
	}
	return o.DefaultJobTimeout
}

func (o *Options) retryFor(jobType string) RetryPolicy {
	rp := o.Retry
	if override, ok := o.RetryByType[jobType]; ok {
		rp = rp.merge(override)
	}
	rp.fillDefaults()
	return rp
}
