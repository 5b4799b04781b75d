package jobsched_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	js "github.com/azargarov/jobsched"
)

func TestSubmitAndComplete(t *testing.T) {
	reg := js.NewRegistry()
	js.Handle(reg, "double", func(_ context.Context, n int) (any, error) {
		return n * 2, nil
	})
	s := newTestScheduler(t, newTestOptions(reg))
	rec := record(s)
	startScheduler(t, s)

	id := mustSubmit(t, s, "double", 21, js.TierHigh)
	job := waitStatus(t, s, id, js.StatusCompleted)

	if job.Result != 42 {
		t.Fatalf("result = %v; want 42", job.Result)
	}
	if job.Resources == nil {
		t.Fatal("completed job has no resource snapshot")
	}
	if job.CompletedAt.Before(job.StartedAt) || job.StartedAt.Before(job.EnqueuedAt) {
		t.Fatalf("timestamps out of order: enqueued %v started %v completed %v",
			job.EnqueuedAt, job.StartedAt, job.CompletedAt)
	}
	if job.ProcessingTime != job.CompletedAt.Sub(job.StartedAt) {
		t.Fatalf("processing time = %v; want %v", job.ProcessingTime, job.CompletedAt.Sub(job.StartedAt))
	}

	waitUntil(t, time.Second, func() bool { return len(rec.forJob(id)) == 2 })
	evs := rec.forJob(id)
	if evs[0].Type != js.EventJobQueued || evs[1].Type != js.EventJobCompleted {
		t.Fatalf("events = %s, %s; want job_queued, job_completed", evs[0].Type, evs[1].Type)
	}

	m := s.Status().Metrics
	if m.JobsSubmitted != 1 || m.JobsProcessed != 1 || m.JobsFailed != 0 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestSubmitValidation(t *testing.T) {
	s := newTestScheduler(t, newTestOptions(js.NewRegistry()))

	if _, err := s.Submit("x", nil, js.Tier(9)); err == nil {
		t.Fatal("submit with invalid tier succeeded")
	}
	mustSubmit(t, s, "x", nil, js.TierLow, js.WithJobID("fixed"))
	if _, err := s.Submit("x", nil, js.TierLow, js.WithJobID("fixed")); err == nil {
		t.Fatal("duplicate job id accepted")
	}

	job, ok := s.Job("fixed")
	if !ok || job.Status != js.StatusPending || job.Tier != js.TierLow {
		t.Fatalf("job = %+v, %v; want pending low job", job, ok)
	}

	if err := s.Dispose(context.Background()); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if _, err := s.Submit("x", nil, js.TierLow); !errors.Is(err, js.ErrSchedulerStopped) {
		t.Fatalf("submit after dispose = %v; want ErrSchedulerStopped", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, js.ErrSchedulerStopped) {
		t.Fatalf("start after dispose = %v; want ErrSchedulerStopped", err)
	}
}

// ---------------------------------------------------------------------------
// admission
// ---------------------------------------------------------------------------

func TestLowTierAdmission(t *testing.T) {
	opts := newTestOptions(js.NewRegistry())
	opts.TierCapacity = map[js.Tier]int{js.TierLow: 3}
	s := newTestScheduler(t, opts)

	var rejected int
	for i := 0; i < 5; i++ {
		_, err := s.Submit("report", i, js.TierLow)
		if err == nil {
			continue
		}
		var adm *js.AdmissionError
		if !errors.As(err, &adm) {
			t.Fatalf("submit error = %v; want *AdmissionError", err)
		}
		rejected++
	}
	if rejected != 2 {
		t.Fatalf("rejected = %d; want 2", rejected)
	}
	if got := s.Status().Queue.Tiers[js.TierLow].Count; got != 3 {
		t.Fatalf("queued low jobs = %d; want 3", got)
	}
}

func TestEvictionIsReported(t *testing.T) {
	opts := newTestOptions(js.NewRegistry())
	opts.TierCapacity = map[js.Tier]int{js.TierMedium: 1, js.TierLow: 1}
	s := newTestScheduler(t, opts)
	rec := record(s)

	low := mustSubmit(t, s, "bulk", nil, js.TierLow)
	mustSubmit(t, s, "report", nil, js.TierMedium)
	mustSubmit(t, s, "report", nil, js.TierMedium)

	job, ok := s.Job(low)
	if !ok || job.Status != js.StatusEvicted {
		t.Fatalf("low job = %+v; want evicted", job)
	}
	if !strings.Contains(job.LastError, "evicted") {
		t.Fatalf("last error = %q", job.LastError)
	}

	ev := rec.waitFor(t, js.EventJobEvicted)
	if ev.Job == nil || ev.Job.ID != low {
		t.Fatalf("evicted event job = %+v; want %s", ev.Job, low)
	}
	if got := s.Status().Metrics.JobsEvicted; got != 1 {
		t.Fatalf("evicted metric = %d; want 1", got)
	}

	// nothing left to evict
	if _, err := s.Submit("report", nil, js.TierMedium); !errors.Is(err, js.ErrQueueFull) {
		t.Fatalf("submit = %v; want ErrQueueFull", err)
	}
}

func TestCriticalDispatchedImmediatelyWhenTierSaturated(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	reg := js.NewRegistry()
	reg.Register("hold", js.ExecutorFunc(func(ctx context.Context, _ js.Job) (any, error) {
		started.Add(1)
		<-release
		return nil, nil
	}))

	opts := newTestOptions(reg)
	opts.MaxConcurrentJobs = 2
	opts.TierCapacity = map[js.Tier]int{js.TierCritical: 1}
	opts.Cadence = fastCadence(time.Hour)
	s := newTestScheduler(t, opts)
	startScheduler(t, s)
	defer close(release)

	queued := mustSubmit(t, s, "hold", nil, js.TierCritical)
	a := mustSubmit(t, s, "hold", nil, js.TierCritical)
	b := mustSubmit(t, s, "hold", nil, js.TierCritical)

	waitUntil(t, time.Second, func() bool { return started.Load() == 2 })
	for _, id := range []string{a, b} {
		if j, _ := s.Job(id); j.Status != js.StatusProcessing {
			t.Fatalf("job %s status = %s; want processing", id, j.Status)
		}
	}
	if j, _ := s.Job(queued); j.Status != js.StatusPending {
		t.Fatalf("queued job status = %s; want pending", j.Status)
	}

	// tier full and no free slot
	var adm *js.AdmissionError
	if _, err := s.Submit("hold", nil, js.TierCritical); !errors.As(err, &adm) {
		t.Fatalf("submit = %v; want *AdmissionError", err)
	}
}

// ---------------------------------------------------------------------------
// dispatch
// ---------------------------------------------------------------------------

func TestDispatchPriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	reg := js.NewRegistry()
	js.Handle(reg, "mark", func(_ context.Context, name string) (any, error) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		return nil, nil
	})

	opts := newTestOptions(reg)
	opts.MaxConcurrentJobs = 1
	s := newTestScheduler(t, opts)

	mustSubmit(t, s, "mark", "low", js.TierLow)
	mustSubmit(t, s, "mark", "medium-1", js.TierMedium)
	mustSubmit(t, s, "mark", "high", js.TierHigh)
	mustSubmit(t, s, "mark", "medium-2", js.TierMedium)
	mustSubmit(t, s, "mark", "critical", js.TierCritical)

	startScheduler(t, s)
	waitUntil(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	})

	want := []string{"critical", "high", "medium-1", "medium-2", "low"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v; want %v", order, want)
		}
	}
}

func TestConcurrencyCeilingSerializesCriticalJobs(t *testing.T) {
	reg := js.NewRegistry()
	reg.Register("slow", js.ExecutorFunc(func(ctx context.Context, _ js.Job) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	}))
	opts := newTestOptions(reg)
	opts.MaxConcurrentJobs = 1
	s := newTestScheduler(t, opts)
	startScheduler(t, s)

	first := mustSubmit(t, s, "slow", nil, js.TierCritical)
	second := mustSubmit(t, s, "slow", nil, js.TierCritical)

	j1 := waitStatus(t, s, first, js.StatusCompleted)
	j2 := waitStatus(t, s, second, js.StatusCompleted)
	if j2.StartedAt.Before(j1.CompletedAt) {
		t.Fatalf("second started at %v before first completed at %v", j2.StartedAt, j1.CompletedAt)
	}
}

func TestConcurrencyCeilingUnderConcurrentSubmission(t *testing.T) {
	const (
		limit = 3
		total = 40
	)
	var running, peak atomic.Int32
	reg := js.NewRegistry()
	reg.Register("work", js.ExecutorFunc(func(ctx context.Context, _ js.Job) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}))

	opts := newTestOptions(reg)
	opts.MaxConcurrentJobs = limit
	opts.Cadence = fastCadence(time.Millisecond)
	s := newTestScheduler(t, opts)
	startScheduler(t, s)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < total/8; i++ {
				tier := js.Tiers[(g+i)%len(js.Tiers)]
				if _, err := s.Submit("work", nil, tier); err != nil {
					t.Errorf("submit: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	waitUntil(t, 10*time.Second, func() bool {
		return s.Status().Metrics.JobsProcessed == total
	})
	if p := peak.Load(); p > limit {
		t.Fatalf("peak concurrency = %d; want <= %d", p, limit)
	}
	if st := s.Status(); st.ActiveJobCount != 0 || st.Queue.Total != 0 {
		t.Fatalf("status after drain = %+v", st)
	}
}

// ---------------------------------------------------------------------------
// failures
// ---------------------------------------------------------------------------

func TestJobTimeout(t *testing.T) {
	reg := js.NewRegistry()
	reg.Register("stuck", js.ExecutorFunc(func(ctx context.Context, _ js.Job) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	opts := newTestOptions(reg)
	opts.JobTimeouts = map[string]time.Duration{"stuck": 30 * time.Millisecond}
	opts.Retry.MaxRetries = -1
	s := newTestScheduler(t, opts)
	startScheduler(t, s)

	id := mustSubmit(t, s, "stuck", nil, js.TierHigh)
	job := waitStatus(t, s, id, js.StatusFailed)
	if !strings.Contains(job.LastError, "timed out") {
		t.Fatalf("last error = %q; want timeout", job.LastError)
	}
	if job.RetryCount != 0 || job.MaxRetries != 0 {
		t.Fatalf("retries = %d/%d; want 0/0", job.RetryCount, job.MaxRetries)
	}
}

func TestUnknownJobTypeFailsWithoutRetry(t *testing.T) {
	var jobErrs atomic.Int32
	opts := newTestOptions(js.NewRegistry())
	opts.OnJobError = func(err error) {
		var ee *js.ExecutionError
		if errors.As(err, &ee) && errors.Is(err, js.ErrUnknownJobType) {
			jobErrs.Add(1)
		}
	}
	s := newTestScheduler(t, opts)
	rec := record(s)
	startScheduler(t, s)

	id := mustSubmit(t, s, "nope", nil, js.TierMedium)
	job := waitStatus(t, s, id, js.StatusFailed)

	if job.RetryCount != 0 {
		t.Fatalf("retry count = %d; want 0", job.RetryCount)
	}
	if !strings.Contains(job.LastError, "unknown job type") {
		t.Fatalf("last error = %q", job.LastError)
	}
	waitUntil(t, time.Second, func() bool { return jobErrs.Load() == 1 })
	rec.waitFor(t, js.EventJobFailed)
	if n := rec.count(js.EventJobRetry); n != 0 {
		t.Fatalf("retry events = %d; want 0", n)
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	var attempts atomic.Int32
	reg := js.NewRegistry()
	reg.Register("bad", js.ExecutorFunc(func(context.Context, js.Job) (any, error) {
		attempts.Add(1)
		return nil, js.Permanent(errors.New("malformed input"))
	}))
	s := newTestScheduler(t, newTestOptions(reg))
	startScheduler(t, s)

	id := mustSubmit(t, s, "bad", nil, js.TierHigh)
	waitStatus(t, s, id, js.StatusFailed)
	time.Sleep(30 * time.Millisecond)
	if got := attempts.Load(); got != 1 {
		t.Fatalf("attempts = %d; want 1", got)
	}
}

func TestExecutorPanicIsAFailure(t *testing.T) {
	reg := js.NewRegistry()
	reg.Register("boom", js.ExecutorFunc(func(context.Context, js.Job) (any, error) {
		panic("kaboom")
	}))
	opts := newTestOptions(reg)
	opts.Retry.MaxRetries = -1
	s := newTestScheduler(t, opts)
	startScheduler(t, s)

	id := mustSubmit(t, s, "boom", nil, js.TierHigh)
	job := waitStatus(t, s, id, js.StatusFailed)
	if !strings.Contains(job.LastError, "kaboom") {
		t.Fatalf("last error = %q", job.LastError)
	}
	if st := s.Status(); st.ActiveJobCount != 0 {
		t.Fatalf("active = %d; want 0", st.ActiveJobCount)
	}
}

func TestInvalidPayloadIsPermanent(t *testing.T) {
	reg := js.NewRegistry()
	js.Handle(reg, "typed", func(_ context.Context, n int) (any, error) { return n, nil })
	s := newTestScheduler(t, newTestOptions(reg))
	startScheduler(t, s)

	id := mustSubmit(t, s, "typed", "not a number", js.TierHigh)
	job := waitStatus(t, s, id, js.StatusFailed)
	if job.RetryCount != 0 || !strings.Contains(job.LastError, "invalid payload") {
		t.Fatalf("job = %+v", job)
	}
}

// ---------------------------------------------------------------------------
// pause, throttling and shutdown
// ---------------------------------------------------------------------------

func TestManualPauseResume(t *testing.T) {
	reg := js.NewRegistry()
	reg.Register("noop", js.ExecutorFunc(func(context.Context, js.Job) (any, error) { return nil, nil }))
	s := newTestScheduler(t, newTestOptions(reg))
	rec := record(s)
	startScheduler(t, s)

	s.Pause()
	id := mustSubmit(t, s, "noop", nil, js.TierCritical)
	time.Sleep(50 * time.Millisecond)
	if j, _ := s.Job(id); j.Status != js.StatusPending {
		t.Fatalf("status while paused = %s; want pending", j.Status)
	}
	if !s.Status().IsPaused {
		t.Fatal("status does not report pause")
	}

	s.Resume()
	waitStatus(t, s, id, js.StatusCompleted)
	rec.waitFor(t, js.EventProcessorPaused)
	rec.waitFor(t, js.EventProcessorResumed)
}

func TestHighLoadPausesUntilCooldown(t *testing.T) {
	reg := js.NewRegistry()
	reg.Register("noop", js.ExecutorFunc(func(context.Context, js.Job) (any, error) { return nil, nil }))
	opts := newTestOptions(reg)
	opts.Sampler = staticSampler(95, 10)
	opts.Thresholds = js.Thresholds{CPUPercent: 80, MemoryMB: 1024}
	opts.PauseOnHighLoad = true
	opts.PauseCooldown = 200 * time.Millisecond
	s := newTestScheduler(t, opts)
	rec := record(s)
	startScheduler(t, s)

	if !s.Monitor().IsHighLoad(opts.Thresholds) {
		t.Fatal("monitor does not report high load")
	}
	s.RunMaintenance()
	paused := rec.waitFor(t, js.EventProcessorPaused)
	if paused.Resources == nil || paused.Resources.CPUPercent != 95 {
		t.Fatalf("paused event resources = %+v", paused.Resources)
	}

	id := mustSubmit(t, s, "noop", nil, js.TierCritical)
	time.Sleep(100 * time.Millisecond)
	if j, _ := s.Job(id); j.Status != js.StatusPending {
		t.Fatalf("status during cooldown = %s; want pending", j.Status)
	}
	if st := s.Status(); !st.AutoPaused {
		t.Fatal("status does not report auto pause")
	}

	resumed := rec.waitFor(t, js.EventProcessorResumed)
	if resumed.Time.Sub(paused.Time) < opts.PauseCooldown {
		t.Fatalf("resumed after %v; want >= %v", resumed.Time.Sub(paused.Time), opts.PauseCooldown)
	}
	job := waitStatus(t, s, id, js.StatusCompleted)
	if job.StartedAt.Before(resumed.Time) {
		t.Fatalf("job started at %v before resume at %v", job.StartedAt, resumed.Time)
	}
	if got := s.Status().Metrics.ResourceThrottleCount; got != 1 {
		t.Fatalf("throttle count = %d; want 1", got)
	}
}

func TestStopWaitsForActiveJobs(t *testing.T) {
	var done atomic.Bool
	started := make(chan struct{})
	reg := js.NewRegistry()
	reg.Register("slow", js.ExecutorFunc(func(context.Context, js.Job) (any, error) {
		close(started)
		time.Sleep(80 * time.Millisecond)
		done.Store(true)
		return nil, nil
	}))
	s := newTestScheduler(t, newTestOptions(reg))
	startScheduler(t, s)

	id := mustSubmit(t, s, "slow", nil, js.TierHigh)
	<-started
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !done.Load() {
		t.Fatal("stop returned before the active job finished")
	}
	if j, _ := s.Job(id); j.Status != js.StatusCompleted {
		t.Fatalf("status = %s; want completed", j.Status)
	}
	if s.Status().IsProcessing {
		t.Fatal("scheduler still processing after stop")
	}
}

func TestStopInterruptsAfterDrainTimeout(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	reg := js.NewRegistry()
	reg.Register("stuck", js.ExecutorFunc(func(context.Context, js.Job) (any, error) {
		close(started)
		<-release
		return "late", nil
	}))
	opts := newTestOptions(reg)
	opts.DrainTimeout = 50 * time.Millisecond
	s := newTestScheduler(t, opts)
	rec := record(s)
	startScheduler(t, s)

	id := mustSubmit(t, s, "stuck", nil, js.TierHigh)
	<-started

	err := s.Stop(context.Background())
	if !errors.Is(err, js.ErrShutdownAbandoned) {
		t.Fatalf("stop = %v; want ErrShutdownAbandoned", err)
	}
	close(release)

	ev := rec.waitFor(t, js.EventJobInterrupted)
	if ev.Job == nil || ev.Job.ID != id {
		t.Fatalf("interrupted event = %+v", ev)
	}
	time.Sleep(20 * time.Millisecond)
	job, _ := s.Job(id)
	if job.Status != js.StatusInterrupted || job.Result != nil {
		t.Fatalf("job = %s result %v; want interrupted with no result", job.Status, job.Result)
	}
}

func TestStartContextCancellationStops(t *testing.T) {
	s := newTestScheduler(t, newTestOptions(js.NewRegistry()))
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	waitUntil(t, time.Second, func() bool { return !s.Status().IsProcessing })
}

func TestQueuedJobsSurviveRestart(t *testing.T) {
	reg := js.NewRegistry()
	reg.Register("noop", js.ExecutorFunc(func(context.Context, js.Job) (any, error) { return nil, nil }))
	opts := newTestOptions(reg)
	opts.Cadence = fastCadence(time.Hour)
	s := newTestScheduler(t, opts)
	startScheduler(t, s)

	id := mustSubmit(t, s, "noop", nil, js.TierLow)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if j, _ := s.Job(id); j.Status != js.StatusPending {
		t.Fatalf("status after stop = %s; want pending", j.Status)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if got := s.Status().Queue.Total; got != 1 {
		t.Fatalf("queued = %d; want 1", got)
	}
}

// ---------------------------------------------------------------------------
// maintenance
// ---------------------------------------------------------------------------

func TestCleanupPurgesOldTerminalJobs(t *testing.T) {
	reg := js.NewRegistry()
	reg.Register("noop", js.ExecutorFunc(func(context.Context, js.Job) (any, error) { return nil, nil }))
	opts := newTestOptions(reg)
	opts.Retention = 250 * time.Millisecond
	s := newTestScheduler(t, opts)
	rec := record(s)
	startScheduler(t, s)

	id := mustSubmit(t, s, "noop", nil, js.TierHigh)
	waitStatus(t, s, id, js.StatusCompleted)

	s.RunMaintenance()
	if _, ok := s.Job(id); !ok {
		t.Fatal("job purged before its retention elapsed")
	}

	time.Sleep(300 * time.Millisecond)
	s.RunMaintenance()
	if _, ok := s.Job(id); ok {
		t.Fatal("job still present after retention")
	}
	ev := rec.waitFor(t, js.EventJobsCleaned)
	if ev.Count != 1 {
		t.Fatalf("cleaned count = %d; want 1", ev.Count)
	}
}

func TestCacheRefreshScheduledOncePerInterval(t *testing.T) {
	opts := newTestOptions(js.NewRegistry())
	opts.CacheRefresh = &js.CacheRefresh{JobType: "cache_refresh", Tier: js.TierLow, Interval: time.Hour}
	s := newTestScheduler(t, opts)

	s.RunMaintenance()
	s.RunMaintenance()

	st := s.Status()
	if got := st.Queue.Tiers[js.TierLow].Count; got != 1 {
		t.Fatalf("queued refresh jobs = %d; want 1", got)
	}
	if st.Metrics.JobsSubmitted != 1 {
		t.Fatalf("submitted = %d; want 1", st.Metrics.JobsSubmitted)
	}
}

func TestClearQueues(t *testing.T) {
	opts := newTestOptions(js.NewRegistry())
	s := newTestScheduler(t, opts)
	rec := record(s)

	var low []string
	for i := 0; i < 3; i++ {
		low = append(low, mustSubmit(t, s, "bulk", i, js.TierLow))
	}
	keep := mustSubmit(t, s, "report", nil, js.TierHigh)

	if n := s.ClearQueues(js.ClearCriteria{Tiers: []js.Tier{js.TierLow}}); n != 3 {
		t.Fatalf("cleared = %d; want 3", n)
	}
	for _, id := range low {
		if _, ok := s.Job(id); ok {
			t.Fatalf("cleared job %s still known", id)
		}
	}
	if _, ok := s.Job(keep); !ok {
		t.Fatal("high job removed")
	}
	if ev := rec.waitFor(t, js.EventJobsCleaned); ev.Count != 3 {
		t.Fatalf("cleaned event count = %d; want 3", ev.Count)
	}
	if n := s.ClearQueues(js.ClearCriteria{OlderThan: time.Hour}); n != 0 {
		t.Fatalf("cleared young jobs: %d", n)
	}
}

// ---------------------------------------------------------------------------
// events
// ---------------------------------------------------------------------------

func TestListenerPanicDoesNotAffectOthers(t *testing.T) {
	reg := js.NewRegistry()
	reg.Register("noop", js.ExecutorFunc(func(context.Context, js.Job) (any, error) { return nil, nil }))
	var (
		mu       sync.Mutex
		internal []error
	)
	opts := newTestOptions(reg)
	opts.OnInternalError = func(err error) {
		mu.Lock()
		internal = append(internal, err)
		mu.Unlock()
	}
	s := newTestScheduler(t, opts)
	s.Subscribe(func(js.Event) { panic("listener bug") })
	rec := record(s)
	startScheduler(t, s)

	for i := 0; i < 3; i++ {
		mustSubmit(t, s, "noop", nil, js.TierHigh)
	}
	waitUntil(t, 3*time.Second, func() bool { return rec.count(js.EventJobCompleted) == 3 })

	// each listener delivery panicked: 3 queued, 3 completed at least
	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(internal) >= 6
	})
	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(internal[0].Error(), "listener bug") {
		t.Fatalf("reported error = %v; want the listener panic", internal[0])
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := newTestScheduler(t, newTestOptions(js.NewRegistry()))
	var n atomic.Int32
	unsubscribe := s.Subscribe(func(js.Event) { n.Add(1) })

	mustSubmit(t, s, "x", nil, js.TierLow)
	waitUntil(t, time.Second, func() bool { return n.Load() == 1 })

	unsubscribe()
	unsubscribe()
	mustSubmit(t, s, "x", nil, js.TierLow)
	time.Sleep(20 * time.Millisecond)
	if got := n.Load(); got != 1 {
		t.Fatalf("events after unsubscribe = %d; want 1", got)
	}
}

func TestSlowListenerDoesNotBlockScheduling(t *testing.T) {
	block := make(chan struct{})
	reg := js.NewRegistry()
	reg.Register("noop", js.ExecutorFunc(func(context.Context, js.Job) (any, error) { return nil, nil }))
	s := newTestScheduler(t, newTestOptions(reg))
	s.Subscribe(func(js.Event) { <-block })
	startScheduler(t, s)
	defer close(block)

	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, mustSubmit(t, s, "noop", fmt.Sprint(i), js.TierHigh))
	}
	for _, id := range ids {
		waitStatus(t, s, id, js.StatusCompleted)
	}
}
