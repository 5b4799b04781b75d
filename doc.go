// Package jobsched provides an in-process, priority-tiered background job
// scheduler with admission control, a global concurrency ceiling,
// resource-aware throttling and retries with backoff.
//
// Architecture overview
//
// The scheduler is composed of four loosely coupled parts:
//
//  1. Admission (PriorityJobQueue)
//     Four tiers (critical, high, medium, low), each with its own
//     capacity. Jobs leave in strict tier order and FIFO by creation
//     time within a tier. When a non-low tier is full, the oldest low
//     job is evicted to make room; eviction is reported as an event,
//     never silent.
//
//  2. Dispatch (Scheduler)
//     A single loop keeps one due time per tier (defaults: critical
//     500ms, high 1s, medium 2s, low 5s). Each due tier makes one
//     dispatch attempt: nothing happens while paused or at the
//     concurrency ceiling, otherwise the most urgent queued job is
//     handed to the Executor with its job-type timeout.
//
//  3. Retry
//     Timeouts and executor errors are retried after
//     InitialDelay * Multiplier^(n-1). Permanent errors, including
//     unknown job types, fail at once without consuming retries.
//
//  4. Maintenance
//     A separate timer checks sampled resource usage, pauses dispatch
//     for a cooldown when load is high, purges old terminal jobs and
//     optionally schedules cache-refresh jobs.
//
// Executors
//
// Payloads are opaque to the scheduler. A Registry maps job types to
// executors, and Handle registers a handler with a typed payload:
//
//	reg := jobsched.NewRegistry()
//	jobsched.Handle(reg, "report", func(ctx context.Context, p ReportRequest) (any, error) {
//	    return buildReport(ctx, p)
//	})
//
//	s, err := jobsched.New(jobsched.Options{Executor: reg, MaxConcurrentJobs: 4})
//	if err != nil { ... }
//	_ = s.Start(ctx)
//	id, err := s.Submit("report", ReportRequest{Month: 3}, jobsched.TierHigh)
//
// Events
//
// Subscribe registers a listener for job_queued, job_completed,
// job_failed, job_retry, job_evicted, job_interrupted, processor_paused,
// processor_resumed, resource_update and jobs_cleaned. Every listener has
// its own unbounded queue; emission never blocks scheduling.
//
// Job state is held in memory only and does not survive a restart.
package jobsched
