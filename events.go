package jobsched

import (
	"fmt"
	"sync"
	"time"
)

// EventType names a scheduler event.
type EventType string

const (
	EventJobQueued        EventType = "job_queued"
	EventJobCompleted     EventType = "job_completed"
	EventJobFailed        EventType = "job_failed"
	EventJobRetry         EventType = "job_retry"
	EventJobEvicted       EventType = "job_evicted"
	EventJobInterrupted   EventType = "job_interrupted"
	EventProcessorPaused  EventType = "processor_paused"
	EventProcessorResumed EventType = "processor_resumed"
	EventResourceUpdate   EventType = "resource_update"
	EventJobsCleaned      EventType = "jobs_cleaned"
)

// Event is a typed record emitted by the scheduler. Job is set for
// job_* events and is a copy taken at emission time.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	Job  *Job      `json:"job,omitempty"`

	// Delay is the wait before the next attempt of a job_retry event.
	Delay time.Duration `json:"delay,omitempty"`
	// Reason explains pause, resume and failure events.
	Reason string `json:"reason,omitempty"`
	// Count is the number of jobs removed by jobs_cleaned.
	Count int `json:"count,omitempty"`
	// Resources is set on resource_update and load driven pauses.
	Resources *ResourceSnapshot `json:"resources,omitempty"`
}

// Listener receives scheduler events. Calls for a single listener are
// sequential and in emission order.
type Listener func(Event)

// eventBus fans events out to listeners. Each listener owns an unbounded
// queue drained by its own goroutine, so emit never blocks the scheduler
// and a slow listener never delays another.
type eventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
	wg     sync.WaitGroup

	// onPanic receives a panic raised by a listener; may be nil.
	onPanic func(error)
}

type subscription struct {
	fn      Listener
	onPanic func(error)
	mu      sync.Mutex
	queue   []Event
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newEventBus(onPanic func(error)) *eventBus {
	return &eventBus{subs: make(map[int]*subscription), onPanic: onPanic}
}

func (b *eventBus) subscribe(fn Listener) func() {
	sub := &subscription{
		fn:      fn,
		onPanic: b.onPanic,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		sub.run()
	}()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.stop()
	}
}

func (b *eventBus) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.push(ev)
	}
}

// close detaches every listener after its queued events are delivered.
func (b *eventBus) close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
	b.wg.Wait()
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) drain() {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			s.deliver(ev)
		}
	}
}

func (s *subscription) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil && s.onPanic != nil {
			s.onPanic(fmt.Errorf("jobsched: listener panicked on %s: %v", ev.Type, r))
		}
	}()
	s.fn(ev)
}

func (s *subscription) run() {
	for {
		select {
		case <-s.signal:
			s.drain()
		case <-s.done:
			s.drain()
			return
		}
	}
}
