package jobsched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/google/uuid"
)

// entry is the scheduler's bookkeeping for one job.
type entry struct {
	job     *Job
	policy  RetryPolicy
	backoff backoffClock

	// run increments on every dispatch so that a late result from an
	// abandoned attempt cannot touch a newer one.
	run    uint64
	cancel context.CancelFunc
	timer  *time.Timer
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsProcessing      bool             `json:"is_processing"`
	IsPaused          bool             `json:"is_paused"`
	AutoPaused        bool             `json:"auto_paused"`
	ActiveJobCount    int              `json:"active_job_count"`
	MaxConcurrentJobs int              `json:"max_concurrent_jobs"`
	Queue             QueueStatus      `json:"queue"`
	Metrics           MetricsSnapshot  `json:"metrics"`
	Resources         ResourceSnapshot `json:"resources"`
}

// Scheduler admits jobs into a PriorityJobQueue, dispatches them to an
// Executor under a global concurrency ceiling, and retries failures with
// backoff.
//
// All job registries (queue, active set, retry set, terminal store) are
// guarded by a single mutex, so concurrent submissions and completions
// cannot break the concurrency ceiling.
type Scheduler struct {
	opts Options

	lctx atomic.Pointer[context.Context]

	// execCtx parents every executor context; cancelled by Dispose.
	execCtx    context.Context
	cancelExec context.CancelFunc

	mu       sync.Mutex
	queue    *PriorityJobQueue
	jobs     map[string]*entry
	active   map[string]*entry
	retrying map[string]*entry
	terminal map[string]*entry
	seq      uint64

	running     bool
	disposed    bool
	paused      bool
	autoPaused  bool
	resumeTimer *time.Timer
	lastRefresh time.Time

	stopCh  chan struct{}
	loopWG  sync.WaitGroup
	activeW sync.WaitGroup

	monitor *ResourceMonitor
	stats   *RunningMetrics
	hooks   MetricsPolicy
	events  *eventBus
}

// New creates a scheduler. The scheduler does not dispatch until Start.
func New(opts Options) (*Scheduler, error) {
	opts.FillDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("jobsched: invalid options: %w", err)
	}

	s := &Scheduler{
		opts:     opts,
		queue:    NewPriorityJobQueue(opts.TierCapacity),
		jobs:     make(map[string]*entry),
		active:   make(map[string]*entry),
		retrying: make(map[string]*entry),
		terminal: make(map[string]*entry),
		stats:    &RunningMetrics{},
	}
	s.events = newEventBus(s.listenerPanicked)
	s.hooks = teeMetrics{a: s.stats, b: opts.Metrics}
	s.execCtx, s.cancelExec = context.WithCancel(context.Background())

	base := context.Background()
	s.lctx.Store(&base)

	s.monitor = NewResourceMonitor(base, opts.SampleInterval, opts.Sampler)
	s.monitor.onError = s.reportInternalError
	return s, nil
}

func (s *Scheduler) logCtx() context.Context { return *s.lctx.Load() }

func (s *Scheduler) listenerPanicked(err error) {
	lg.FromContext(s.logCtx()).Error("event listener panicked", lg.Any("error", err))
	s.reportInternalError(err)
}

// Subscribe registers a listener for scheduler events. The returned
// function detaches it.
func (s *Scheduler) Subscribe(fn Listener) (unsubscribe func()) {
	return s.events.subscribe(fn)
}

// Monitor exposes the resource monitor used for throttling.
func (s *Scheduler) Monitor() *ResourceMonitor { return s.monitor }

// Start launches the dispatch loop, the maintenance loop and resource
// sampling. Cancelling ctx stops the scheduler as Stop would. ctx also
// carries the logger used by the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.lctx.Store(&ctx)
	s.running = true
	stop := make(chan struct{})
	s.stopCh = stop
	s.mu.Unlock()

	s.monitor.SetContext(ctx)
	s.monitor.Start()

	s.loopWG.Add(2)
	go func() {
		defer s.loopWG.Done()
		s.dispatchLoop(stop)
	}()
	go func() {
		defer s.loopWG.Done()
		s.maintenanceLoop(stop)
	}()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = s.Stop(context.Background())
			case <-stop:
			}
		}()
	}

	lg.FromContext(ctx).Info("scheduler started",
		lg.Int("max_concurrent_jobs", s.opts.MaxConcurrentJobs),
		lg.Any("pause_on_high_load", s.opts.PauseOnHighLoad),
	)
	return nil
}

// Stop halts dispatching and waits for active jobs, bounded by ctx and
// Options.DrainTimeout. Jobs still running afterwards are marked
// interrupted and ErrShutdownAbandoned is returned. Queued jobs stay
// queued and resume on the next Start.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stop := s.stopCh
	s.mu.Unlock()

	close(stop)
	s.loopWG.Wait()

	logger := lg.FromContext(s.logCtx())
	drainCtx, cancel := context.WithTimeout(ctx, s.opts.DrainTimeout)
	defer cancel()

	idle := make(chan struct{})
	go func() {
		s.activeW.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		logger.Info("scheduler stopped")
		return nil
	case <-drainCtx.Done():
	}

	n := s.interruptActive()
	<-idle
	logger.Warn("scheduler stopped with active jobs abandoned",
		lg.Int("interrupted", n),
		lg.String("drain_timeout", s.opts.DrainTimeout.String()),
	)
	return fmt.Errorf("%w: %d jobs", ErrShutdownAbandoned, n)
}

// Dispose stops the scheduler, cancels pending retries and executor
// contexts, stops resource sampling and detaches listeners after their
// queued events are delivered. The scheduler cannot be restarted.
func (s *Scheduler) Dispose(ctx context.Context) error {
	err := s.Stop(ctx)

	s.mu.Lock()
	s.disposed = true
	for _, e := range s.retrying {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
	}
	s.mu.Unlock()

	s.cancelExec()
	s.monitor.Close()
	s.events.close()
	return err
}

// Pause stops dequeuing until Resume. Active jobs keep running.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.events.emit(Event{Type: EventProcessorPaused, Reason: "manual"})
	lg.FromContext(s.logCtx()).Info("scheduler paused")
}

// Resume lifts a manual pause. A load driven pause ends on its own
// after the cooldown.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	s.events.emit(Event{Type: EventProcessorResumed, Reason: "manual"})
	lg.FromContext(s.logCtx()).Info("scheduler resumed")
}

// Submit admits a job of jobType into tier and returns its id. A
// critical job that finds its tier saturated is dispatched immediately
// when a concurrency slot is free; otherwise Submit fails with an
// *AdmissionError.
func (s *Scheduler) Submit(jobType string, payload any, tier Tier, opts ...JobOption) (string, error) {
	if !tier.valid() {
		return "", fmt.Errorf("jobsched: invalid tier %d", tier)
	}
	policy := s.opts.retryFor(jobType)
	now := time.Now()
	job := &Job{
		Type:       jobType,
		Tier:       tier,
		Payload:    payload,
		Status:     StatusPending,
		CreatedAt:  now,
		MaxRetries: policy.MaxRetries,
		index:      -1,
	}
	for _, opt := range opts {
		opt(job)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	e := &entry{job: job, policy: policy, backoff: policy.newBackoff()}
	logger := lg.FromContext(s.logCtx())

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return "", ErrSchedulerStopped
	}
	if _, dup := s.jobs[job.ID]; dup {
		s.mu.Unlock()
		return "", fmt.Errorf("jobsched: duplicate job id %q", job.ID)
	}
	s.seq++
	job.seq = s.seq

	evicted, err := s.queue.Enqueue(job, tier, now)
	if err != nil {
		if tier == TierCritical && s.canDispatchLocked() {
			s.jobs[job.ID] = e
			s.hooks.IncSubmitted(tier)
			job.EnqueuedAt, job.StartedAt = now, now
			s.startLocked(e, now)
			s.mu.Unlock()
			logger.Warn("critical tier saturated; dispatched immediately",
				lg.String("job_id", job.ID), lg.String("job_type", jobType))
			return job.ID, nil
		}
		s.mu.Unlock()
		logger.Warn("job rejected", lg.String("job_type", jobType), lg.String("tier", tier.String()))
		return "", err
	}
	s.jobs[job.ID] = e
	s.hooks.IncSubmitted(tier)
	s.hooks.SetQueued(tier, s.queue.TierLen(tier))
	s.emitJobLocked(EventJobQueued, job, nil)
	s.evictLocked(evicted, now)
	s.mu.Unlock()

	logger.Info("job queued",
		lg.String("job_id", job.ID),
		lg.String("job_type", jobType),
		lg.String("tier", tier.String()),
	)
	return job.ID, nil
}

// Job returns a copy of the job with the given id.
func (s *Scheduler) Job(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job.clone(), true
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() SchedulerStatus {
	now := time.Now()
	s.mu.Lock()
	st := SchedulerStatus{
		IsProcessing:      s.running,
		IsPaused:          s.paused || s.autoPaused,
		AutoPaused:        s.autoPaused,
		ActiveJobCount:    len(s.active),
		MaxConcurrentJobs: s.opts.MaxConcurrentJobs,
		Queue:             s.queue.Status(now),
	}
	st.Queue.Retrying = len(s.retrying)
	s.mu.Unlock()

	st.Metrics = s.stats.Snapshot()
	st.Resources = s.monitor.Usage()
	return st
}

// ClearQueues removes queued jobs, including those waiting out a retry
// delay, that match c. Active and terminal jobs are never touched.
// It returns the number of removed jobs.
func (s *Scheduler) ClearQueues(c ClearCriteria) int {
	now := time.Now()
	s.mu.Lock()
	removed := s.queue.Clear(c, now)
	for _, j := range removed {
		delete(s.jobs, j.ID)
	}
	n := len(removed)
	for id, e := range s.retrying {
		if !c.matchTier(e.job.Tier) || (c.OlderThan > 0 && now.Sub(e.job.CreatedAt) <= c.OlderThan) {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.retrying, id)
		delete(s.jobs, id)
		n++
	}
	for _, t := range Tiers {
		s.hooks.SetQueued(t, s.queue.TierLen(t))
	}
	if n > 0 {
		s.events.emit(Event{Type: EventJobsCleaned, Count: n, Reason: "queues cleared"})
	}
	s.mu.Unlock()

	lg.FromContext(s.logCtx()).Info("queues cleared", lg.Int("removed", n))
	return n
}

// ---------------------------------------------------------------------------
// dispatch
// ---------------------------------------------------------------------------

// dispatchLoop drives every tier from a single timer. Each tier has its
// own due time; when it passes, that tier makes one dispatch attempt.
func (s *Scheduler) dispatchLoop(stop <-chan struct{}) {
	var due [numTiers]time.Time
	now := time.Now()
	for _, t := range Tiers {
		due[t] = now.Add(s.opts.Cadence[t])
	}
	timer := time.NewTimer(time.Until(earliest(due[:])))
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}
		now = time.Now()
		for _, t := range Tiers {
			if now.Before(due[t]) {
				continue
			}
			s.tick()
			due[t] = due[t].Add(s.opts.Cadence[t])
			if due[t].Before(now) {
				due[t] = now.Add(s.opts.Cadence[t])
			}
		}
		timer.Reset(time.Until(earliest(due[:])))
	}
}

func earliest(ts []time.Time) time.Time {
	e := ts[0]
	for _, t := range ts[1:] {
		if t.Before(e) {
			e = t
		}
	}
	return e
}

// tick is one dispatch attempt. Whichever tier came due, the dequeued
// job is the most urgent one overall.
func (s *Scheduler) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.canDispatchLocked() {
		return
	}
	// stamped under the lock so a start never precedes the completion
	// that freed its slot
	now := time.Now()
	job := s.queue.Dequeue(now)
	if job == nil {
		return
	}
	e, ok := s.jobs[job.ID]
	if !ok {
		s.reportInternalError(fmt.Errorf("jobsched: dequeued unknown job %s", job.ID))
		return
	}
	s.hooks.SetQueued(job.Tier, s.queue.TierLen(job.Tier))
	s.startLocked(e, now)
}

func (s *Scheduler) canDispatchLocked() bool {
	return s.running && !s.paused && !s.autoPaused && len(s.active) < s.opts.MaxConcurrentJobs
}

// startLocked moves e into the active set and launches its execution.
func (s *Scheduler) startLocked(e *entry, now time.Time) {
	job := e.job
	job.Status = StatusProcessing
	job.StartedAt = now
	job.QueueWait = now.Sub(job.EnqueuedAt)
	s.hooks.ObserveQueueWait(job.Tier, job.QueueWait)

	timeout := s.opts.timeoutFor(job.Type)
	ctx, cancel := context.WithTimeout(s.execCtx, timeout)
	e.run++
	e.cancel = cancel
	s.active[job.ID] = e
	s.activeW.Add(1)
	s.hooks.SetActive(len(s.active))

	go s.execute(ctx, e, e.run, job.clone(), timeout)
}

type execResult struct {
	value any
	err   error
}

// execute races the executor against its timeout.
func (s *Scheduler) execute(ctx context.Context, e *entry, run uint64, job Job, timeout time.Duration) {
	resCh := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				lg.FromContext(s.logCtx()).Error("job panicked", lg.String("job_id", job.ID), lg.Any("panic", r))
				resCh <- execResult{err: fmt.Errorf("jobsched: executor panic: %v", r)}
			}
		}()
		v, err := s.opts.Executor.Execute(ctx, job)
		resCh <- execResult{value: v, err: err}
	}()

	var res execResult
	select {
	case res = <-resCh:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() != nil {
		res.err = fmt.Errorf("%w after %v", ErrJobTimeout, timeout)
	}
	s.finish(e, run, res)
}

// finish records the outcome of one execution attempt.
func (s *Scheduler) finish(e *entry, run uint64, res execResult) {
	now := time.Now()
	job := e.job
	logger := lg.FromContext(s.logCtx()).With(lg.String("job_id", job.ID), lg.String("job_type", job.Type))

	s.mu.Lock()
	if s.active[job.ID] != e || e.run != run {
		// interrupted on shutdown; the late result is discarded
		s.mu.Unlock()
		return
	}
	delete(s.active, job.ID)
	e.cancel()
	s.activeW.Done()
	s.hooks.SetActive(len(s.active))

	if res.err == nil {
		usage := s.monitor.Usage()
		job.Status = StatusCompleted
		job.CompletedAt = now
		job.ProcessingTime = now.Sub(job.StartedAt)
		job.Resources = &usage
		job.Result = res.value
		job.LastError = ""
		s.terminal[job.ID] = e
		s.hooks.IncProcessed(job.Type)
		s.hooks.ObserveProcessing(job.Type, job.ProcessingTime)
		s.emitJobLocked(EventJobCompleted, job, nil)
		s.mu.Unlock()
		logger.Info("job completed", lg.String("processing_time", job.ProcessingTime.String()))
		return
	}

	attempt := job.RetryCount + 1
	execErr := &ExecutionError{JobID: job.ID, JobType: job.Type, Attempt: attempt, Err: res.err}
	delay, retried := s.failLocked(e, res.err, now)
	s.mu.Unlock()

	s.reportJobError(execErr)

	if retried {
		logger.Warn("job attempt failed; backing off",
			lg.Int("attempt", attempt),
			lg.String("sleep", delay.String()),
			lg.Any("error", res.err),
		)
		return
	}
	logger.Error("job failed", lg.Int("attempt", attempt), lg.Any("error", res.err))
}

// interruptActive marks every active job interrupted. It returns how
// many jobs were abandoned.
func (s *Scheduler) interruptActive() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.active {
		delete(s.active, id)
		e.cancel()
		s.activeW.Done()
		job := e.job
		job.Status = StatusInterrupted
		job.FailedAt = now
		job.LastError = ErrShutdownAbandoned.Error()
		s.terminal[id] = e
		s.emitJobLocked(EventJobInterrupted, job, &Event{Reason: "drain timeout elapsed"})
		n++
	}
	s.hooks.SetActive(0)
	return n
}

func (s *Scheduler) emitJobLocked(t EventType, job *Job, extra *Event) {
	ev := Event{}
	if extra != nil {
		ev = *extra
	}
	c := job.clone()
	ev.Type, ev.Job = t, &c
	s.events.emit(ev)
}

// evictLocked moves a job displaced by admission to the terminal store.
func (s *Scheduler) evictLocked(j *Job, now time.Time) {
	if j == nil {
		return
	}
	e, ok := s.jobs[j.ID]
	if !ok {
		return
	}
	j.Status = StatusEvicted
	j.FailedAt = now
	j.LastError = ErrEvicted.Error()
	s.terminal[j.ID] = e
	s.hooks.IncEvicted()
	s.hooks.SetQueued(TierLow, s.queue.TierLen(TierLow))
	s.emitJobLocked(EventJobEvicted, j, &Event{Reason: ErrEvicted.Error()})
	lg.FromContext(s.logCtx()).Warn("low priority job evicted",
		lg.String("job_id", j.ID), lg.String("job_type", j.Type))
}
