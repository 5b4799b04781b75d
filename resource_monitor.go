package jobsched

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
)

// Sampler measures current process resource usage.
type Sampler interface {
	Sample() (ResourceSnapshot, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func() (ResourceSnapshot, error)

func (f SamplerFunc) Sample() (ResourceSnapshot, error) { return f() }

// processSampler derives CPU percent from the growth of process CPU time
// between two samples, normalized to the number of CPUs, and memory from
// the Go runtime's view of memory obtained from the OS.
type processSampler struct {
	mu       sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
}

// NewProcessSampler returns the default sampler for this platform.
func NewProcessSampler() Sampler {
	return &processSampler{}
}

func (p *processSampler) Sample() (ResourceSnapshot, error) {
	now := time.Now()
	snap := ResourceSnapshot{Timestamp: now}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.MemoryMB = float64(ms.Sys-ms.HeapReleased) / (1024 * 1024)

	cpu, err := processCPUTime()
	if err != nil {
		return snap, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.lastWall.IsZero() {
		wall := now.Sub(p.lastWall)
		if wall > 0 {
			pct := float64(cpu-p.lastCPU) / float64(wall) / float64(runtime.NumCPU()) * 100
			snap.CPUPercent = min(max(pct, 0), 100)
		}
	}
	p.lastCPU, p.lastWall = cpu, now
	return snap, nil
}

// ResourceMonitor samples resource usage on a fixed interval and keeps the
// latest value. Sampling faults never reach callers: the previous value
// is retained and the fault is logged.
type ResourceMonitor struct {
	ctx      atomic.Pointer[context.Context]
	interval time.Duration
	sampler  Sampler
	onError  func(error)

	current atomic.Pointer[ResourceSnapshot]

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewResourceMonitor creates a monitor. Call Start to begin sampling.
func NewResourceMonitor(ctx context.Context, interval time.Duration, sampler Sampler) *ResourceMonitor {
	if ctx == nil {
		ctx = context.Background()
	}
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if sampler == nil {
		sampler = NewProcessSampler()
	}
	m := &ResourceMonitor{
		interval: interval,
		sampler:  sampler,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	m.ctx.Store(&ctx)
	m.current.Store(&ResourceSnapshot{})
	return m
}

// SetContext replaces the context that carries the monitor's logger.
func (m *ResourceMonitor) SetContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.ctx.Store(&ctx)
}

// Start takes an initial sample and launches the sampling loop.
func (m *ResourceMonitor) Start() {
	m.startOnce.Do(func() {
		m.started.Store(true)
		m.Refresh()
		go m.run()
	})
}

func (m *ResourceMonitor) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Refresh()
		case <-m.stopCh:
			return
		}
	}
}

// Refresh takes a sample now.
func (m *ResourceMonitor) Refresh() {
	snap, err := m.sample()
	if err != nil {
		lg.FromContext(*m.ctx.Load()).Warn("resource sampling failed; keeping last value", lg.Any("error", err))
		if m.onError != nil {
			m.onError(err)
		}
		return
	}
	m.current.Store(&snap)
}

func (m *ResourceMonitor) sample() (snap ResourceSnapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &samplerPanic{value: r}
		}
	}()
	return m.sampler.Sample()
}

// Usage returns the latest sample.
func (m *ResourceMonitor) Usage() ResourceSnapshot {
	return *m.current.Load()
}

// IsHighLoad reports whether the latest sample exceeds either threshold.
// Non-positive thresholds are ignored.
func (m *ResourceMonitor) IsHighLoad(th Thresholds) bool {
	u := m.Usage()
	if th.CPUPercent > 0 && u.CPUPercent > th.CPUPercent {
		return true
	}
	return th.MemoryMB > 0 && u.MemoryMB > th.MemoryMB
}

// Close stops the sampling loop and waits for it to exit. It is safe to
// call more than once; a monitor that was never started stays stopped.
func (m *ResourceMonitor) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if !m.started.Load() {
			m.startOnce.Do(func() {})
		}
	})
	if m.started.Load() {
		<-m.doneCh
	}
}

type samplerPanic struct{ value any }

func (p *samplerPanic) Error() string { return fmt.Sprintf("jobsched: sampler panicked: %v", p.value) }
