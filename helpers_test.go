package jobsched_test

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"

	js "github.com/azargarov/jobsched"
)

func fastCadence(d time.Duration) map[js.Tier]time.Duration {
	return map[js.Tier]time.Duration{
		js.TierCritical: d,
		js.TierHigh:     d,
		js.TierMedium:   d,
		js.TierLow:      d,
	}
}

func staticSampler(cpu, mem float64) js.Sampler {
	return js.SamplerFunc(func() (js.ResourceSnapshot, error) {
		return js.ResourceSnapshot{CPUPercent: cpu, MemoryMB: mem, Timestamp: time.Now()}, nil
	})
}

func newTestOptions(reg *js.Registry) js.Options {
	return js.Options{
		Executor:            reg,
		Cadence:             fastCadence(5 * time.Millisecond),
		Sampler:             staticSampler(1, 1),
		MaintenanceInterval: time.Hour,
		DrainTimeout:        2 * time.Second,
		Retry:               js.RetryPolicy{InitialDelay: 5 * time.Millisecond},
	}
}

// newTestScheduler builds a scheduler that is disposed with the test.
// It is not started.
func newTestScheduler(t *testing.T, opts js.Options) *js.Scheduler {
	t.Helper()
	s, err := js.New(opts)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Dispose(ctx)
	})
	return s
}

func startScheduler(t *testing.T, s *js.Scheduler) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func mustSubmit(t *testing.T, s *js.Scheduler, jobType string, payload any, tier js.Tier, opts ...js.JobOption) string {
	t.Helper()
	id, err := s.Submit(jobType, payload, tier, opts...)
	if err != nil {
		t.Fatalf("submit %s/%s: %v", jobType, tier, err)
	}
	return id
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not satisfied before timeout")
}

func waitStatus(t *testing.T, s *js.Scheduler, id string, want js.Status) js.Job {
	t.Helper()
	var job js.Job
	waitUntil(t, 3*time.Second, func() bool {
		var ok bool
		job, ok = s.Job(id)
		return ok && job.Status == want
	})
	return job
}

// ---------------------------------------------------------------------------
// event recording
// ---------------------------------------------------------------------------

type recorder struct {
	mu     sync.Mutex
	events []js.Event
}

func record(s *js.Scheduler) *recorder {
	r := &recorder{}
	s.Subscribe(r.listen)
	return r
}

func (r *recorder) listen(ev js.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []js.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]js.Event(nil), r.events...)
}

// forJob returns the events about job id in delivery order.
func (r *recorder) forJob(id string) []js.Event {
	var out []js.Event
	for _, ev := range r.all() {
		if ev.Job != nil && ev.Job.ID == id {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(typ js.EventType) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, typ js.EventType) js.Event {
	t.Helper()
	var found js.Event
	waitUntil(t, 3*time.Second, func() bool {
		for _, ev := range r.all() {
			if ev.Type == typ {
				found = ev
				return true
			}
		}
		return false
	})
	return found
}

// captureLogger is a zlog logger that keeps the messages it receives.
type captureLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureLogger) add(msg string) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *captureLogger) Info(msg string, _ ...lg.Field)  { c.add(msg) }
func (c *captureLogger) Warn(msg string, _ ...lg.Field)  { c.add(msg) }
func (c *captureLogger) Error(msg string, _ ...lg.Field) { c.add(msg) }
func (c *captureLogger) Debug(msg string, _ ...lg.Field) { c.add(msg) }
func (c *captureLogger) With(...lg.Field) lg.ZLogger     { return c }
func (c *captureLogger) Sync() error                     { return nil }

func (c *captureLogger) has(msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.msgs {
		if m == msg {
			return true
		}
	}
	return false
}
