package jobsched

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned when a tier cannot accept more jobs and
	// nothing can be evicted to make room.
	ErrQueueFull = errors.New("jobsched: queue is full")

	// ErrUnknownJobType is returned when no handler is registered for a job type.
	ErrUnknownJobType = errors.New("jobsched: unknown job type")

	// ErrInvalidPayload is returned when a payload does not match the
	// type expected by its handler.
	ErrInvalidPayload = errors.New("jobsched: invalid payload")

	// ErrJobTimeout is recorded when execution outlives its job-type timeout.
	ErrJobTimeout = errors.New("jobsched: job timed out")

	// ErrEvicted is recorded on a low tier job displaced by higher priority work.
	ErrEvicted = errors.New("jobsched: evicted by higher priority job")

	// ErrSchedulerStopped is returned by operations on a stopped scheduler.
	ErrSchedulerStopped = errors.New("jobsched: scheduler stopped")

	// ErrShutdownAbandoned is returned by Stop when jobs were still
	// running after the drain timeout.
	ErrShutdownAbandoned = errors.New("jobsched: active jobs abandoned on shutdown")
)

// AdmissionError reports a rejected submission. It is never retried.
type AdmissionError struct {
	Tier    Tier
	JobType string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("jobsched: admission rejected for %q on %s tier: queue is full", e.JobType, e.Tier)
}

func (e *AdmissionError) Unwrap() error { return ErrQueueFull }

// ExecutionError wraps a failed execution attempt.
type ExecutionError struct {
	JobID   string
	JobType string
	Attempt int
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("jobsched: job %s (%s) attempt %d: %v", e.JobID, e.JobType, e.Attempt, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. A job failing with a permanent
// error goes straight to failed without consuming retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, ErrUnknownJobType) || errors.Is(err, ErrInvalidPayload)
}

// reportInternalError reports a non-job failure such as a sampling fault.
// If no handler is registered, the error is only logged by the caller.
func (s *Scheduler) reportInternalError(err error) {
	if s.opts.OnInternalError != nil {
		s.opts.OnInternalError(err)
	}
}

// reportJobError reports every failed execution attempt, retried or not.
func (s *Scheduler) reportJobError(err error) {
	if s.opts.OnJobError != nil {
		s.opts.OnJobError(err)
	}
}
