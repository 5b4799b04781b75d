package jobsched

import (
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
)

// failLocked applies the retry policy to a failed attempt. Permanent
// errors and exhausted budgets end the job as failed; anything else
// schedules a re-enqueue after the backoff delay. It reports the delay
// and whether a retry was scheduled.
func (s *Scheduler) failLocked(e *entry, err error, now time.Time) (time.Duration, bool) {
	job := e.job
	job.LastError = err.Error()

	if IsPermanent(err) {
		s.terminalFailLocked(e, now, "permanent failure")
		return 0, false
	}
	next := job.RetryCount + 1
	if next > job.MaxRetries {
		s.terminalFailLocked(e, now, "retries exhausted")
		return 0, false
	}

	delay := e.backoff.Next()
	job.RetryCount = next
	job.Status = StatusPending
	s.retrying[job.ID] = e
	e.timer = time.AfterFunc(delay, func() { s.requeue(e) })

	s.hooks.IncRetried(job.Type)
	s.emitJobLocked(EventJobRetry, job, &Event{Delay: delay, Reason: job.LastError})
	return delay, true
}

func (s *Scheduler) terminalFailLocked(e *entry, now time.Time, reason string) {
	job := e.job
	job.Status = StatusFailed
	job.FailedAt = now
	s.terminal[job.ID] = e
	s.hooks.IncFailed(job.Type)
	s.emitJobLocked(EventJobFailed, job, &Event{Reason: reason})
}

// requeue returns a job to the queue once its retry delay has elapsed.
// A saturated tier ends the job as failed with the admission error.
func (s *Scheduler) requeue(e *entry) {
	now := time.Now()
	job := e.job

	s.mu.Lock()
	if s.retrying[job.ID] != e || s.disposed {
		s.mu.Unlock()
		return
	}
	delete(s.retrying, job.ID)
	e.timer = nil

	evicted, err := s.queue.Enqueue(job, job.Tier, now)
	if err != nil {
		job.LastError = err.Error()
		s.terminalFailLocked(e, now, "requeue rejected")
		s.mu.Unlock()
		lg.FromContext(s.logCtx()).Error("retry rejected by queue",
			lg.String("job_id", job.ID), lg.Any("error", err))
		return
	}
	s.hooks.SetQueued(job.Tier, s.queue.TierLen(job.Tier))
	s.emitJobLocked(EventJobQueued, job, &Event{Reason: "retry"})
	s.evictLocked(evicted, now)
	s.mu.Unlock()
}
