package jobsched

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the priority level of a job. Lower values are more urgent.
type Tier uint8

const (
	TierCritical Tier = iota
	TierHigh
	TierMedium
	TierLow
)

// Tiers lists all tiers in dequeue order.
var Tiers = [...]Tier{TierCritical, TierHigh, TierMedium, TierLow}

const numTiers = len(Tiers)

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

func (t Tier) valid() bool { return int(t) < numTiers }

// ParseTier converts a tier name into a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return TierCritical, nil
	case "high":
		return TierHigh, nil
	case "medium", "":
		return TierMedium, nil
	case "low":
		return TierLow, nil
	}
	return 0, fmt.Errorf("jobsched: unknown tier %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
	StatusEvicted     Status = "evicted"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusInterrupted, StatusEvicted:
		return true
	}
	return false
}

// ResourceSnapshot is a point-in-time view of process resource usage.
type ResourceSnapshot struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	Timestamp  time.Time `json:"timestamp"`
}

// Job is a unit of deferred work. Values returned by the scheduler are
// copies; mutating them has no effect on scheduling.
type Job struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Tier    Tier   `json:"tier"`
	Payload any    `json:"payload,omitempty"`
	Status  Status `json:"status"`

	CreatedAt   time.Time `json:"created_at"`
	EnqueuedAt  time.Time `json:"enqueued_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	FailedAt    time.Time `json:"failed_at,omitempty"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`

	ProcessingTime time.Duration     `json:"processing_time,omitempty"`
	QueueWait      time.Duration     `json:"queue_wait,omitempty"`
	Resources      *ResourceSnapshot `json:"resources,omitempty"`
	Result         any               `json:"result,omitempty"`

	// Dependencies and BatchID are recorded for callers; the scheduler
	// does not enforce them.
	Dependencies []string `json:"dependencies,omitempty"`
	BatchID      string   `json:"batch_id,omitempty"`

	seq   uint64
	index int
}

// finishedAt returns the time the job entered a terminal state.
func (j *Job) finishedAt() time.Time {
	if !j.CompletedAt.IsZero() {
		return j.CompletedAt
	}
	return j.FailedAt
}

func (j *Job) clone() Job {
	c := *j
	if j.Dependencies != nil {
		c.Dependencies = append([]string(nil), j.Dependencies...)
	}
	if j.Resources != nil {
		r := *j.Resources
		c.Resources = &r
	}
	c.index = -1
	return c
}

// JobOption customizes a job at submission time.
type JobOption func(*Job)

// WithJobID overrides the generated job id.
func WithJobID(id string) JobOption {
	return func(j *Job) { j.ID = id }
}

// WithMaxRetries overrides the retry budget for a single job.
func WithMaxRetries(n int) JobOption {
	return func(j *Job) {
		if n >= 0 {
			j.MaxRetries = n
		}
	}
}

// WithDependencies records ids of jobs this job depends on.
func WithDependencies(ids ...string) JobOption {
	return func(j *Job) { j.Dependencies = append(j.Dependencies, ids...) }
}

// WithBatchID tags the job as part of a batch.
func WithBatchID(id string) JobOption {
	return func(j *Job) { j.BatchID = id }
}
