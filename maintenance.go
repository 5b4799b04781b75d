package jobsched

import (
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
)

func (s *Scheduler) maintenanceLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.RunMaintenance()
		}
	}
}

// RunMaintenance performs one maintenance pass: load check and
// throttling, cleanup of old terminal jobs and cache-refresh scheduling.
// It runs on its own timer while the scheduler is started and may also
// be called directly.
func (s *Scheduler) RunMaintenance() {
	now := time.Now()
	s.checkLoad(now)
	s.cleanup(now)
	s.refreshCache(now)
}

// checkLoad pauses dequeuing while sampled usage exceeds the thresholds.
// The pause lifts itself after PauseCooldown.
func (s *Scheduler) checkLoad(now time.Time) {
	usage := s.monitor.Usage()
	s.events.emit(Event{Type: EventResourceUpdate, Time: now, Resources: &usage})

	if !s.opts.PauseOnHighLoad || !s.monitor.IsHighLoad(s.opts.Thresholds) {
		return
	}

	s.mu.Lock()
	if s.autoPaused || s.disposed {
		s.mu.Unlock()
		return
	}
	s.autoPaused = true
	s.hooks.IncThrottled()
	s.resumeTimer = time.AfterFunc(s.opts.PauseCooldown, s.autoResume)
	s.events.emit(Event{Type: EventProcessorPaused, Time: now, Reason: "high load", Resources: &usage})
	s.mu.Unlock()

	lg.FromContext(s.logCtx()).Warn("high load; pausing dispatch",
		lg.Any("cpu_percent", usage.CPUPercent),
		lg.Any("memory_mb", usage.MemoryMB),
		lg.String("cooldown", s.opts.PauseCooldown.String()),
	)
}

func (s *Scheduler) autoResume() {
	s.mu.Lock()
	if !s.autoPaused {
		s.mu.Unlock()
		return
	}
	s.autoPaused = false
	s.resumeTimer = nil
	s.events.emit(Event{Type: EventProcessorResumed, Reason: "cooldown elapsed"})
	s.mu.Unlock()

	lg.FromContext(s.logCtx()).Info("load cooldown elapsed; resuming dispatch")
}

// cleanup purges terminal jobs that finished more than Retention ago.
func (s *Scheduler) cleanup(now time.Time) {
	s.mu.Lock()
	n := 0
	for id, e := range s.terminal {
		if now.Sub(e.job.finishedAt()) <= s.opts.Retention {
			continue
		}
		delete(s.terminal, id)
		delete(s.jobs, id)
		n++
	}
	if n > 0 {
		s.events.emit(Event{Type: EventJobsCleaned, Time: now, Count: n, Reason: "retention elapsed"})
	}
	s.mu.Unlock()

	if n > 0 {
		lg.FromContext(s.logCtx()).Info("terminal jobs cleaned", lg.Int("removed", n))
	}
}

// refreshCache submits the configured cache-refresh job once its
// interval has elapsed.
func (s *Scheduler) refreshCache(now time.Time) {
	cr := s.opts.CacheRefresh
	if cr == nil {
		return
	}
	s.mu.Lock()
	due := s.lastRefresh.IsZero() || now.Sub(s.lastRefresh) >= cr.Interval
	if due {
		s.lastRefresh = now
	}
	s.mu.Unlock()
	if !due {
		return
	}
	if _, err := s.Submit(cr.JobType, cr.Payload, cr.Tier, WithBatchID("cache-refresh")); err != nil {
		s.reportInternalError(err)
		lg.FromContext(s.logCtx()).Warn("cache refresh not scheduled", lg.Any("error", err))
	}
}
