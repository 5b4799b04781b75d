package jobsched

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Executor runs the payload of a job. It must be safe to call again for
// the same job on retry. ctx is cancelled when the job-type timeout
// elapses or the scheduler is disposed; honouring it is up to the
// executor.
type Executor interface {
	Execute(ctx context.Context, job Job) (any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job Job) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, job Job) (any, error) { return f(ctx, job) }

// Registry is a dispatch table from job type to executor. Unregistered
// types fail permanently with ErrUnknownJobType.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Executor)}
}

// Register binds jobType to ex, replacing any previous binding.
func (r *Registry) Register(jobType string, ex Executor) {
	r.mu.Lock()
	r.handlers[jobType] = ex
	r.mu.Unlock()
}

// Has reports whether jobType has a registered executor.
func (r *Registry) Has(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[jobType]
	return ok
}

// Types lists the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

func (r *Registry) Execute(ctx context.Context, job Job) (any, error) {
	r.mu.RLock()
	ex, ok := r.handlers[job.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, job.Type)
	}
	return ex.Execute(ctx, job)
}

// Handle registers a typed handler for jobType. The payload is asserted
// to P before fn is called. Raw JSON payloads (json.RawMessage or
// []byte) are decoded into P and a nil payload becomes the zero P. A
// mismatch fails permanently with ErrInvalidPayload.
func Handle[P any](r *Registry, jobType string, fn func(ctx context.Context, payload P) (any, error)) {
	r.Register(jobType, ExecutorFunc(func(ctx context.Context, job Job) (any, error) {
		p, err := payloadAs[P](job.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: job type %q: %v", ErrInvalidPayload, jobType, err)
		}
		return fn(ctx, p)
	}))
}

func payloadAs[P any](v any) (P, error) {
	var p P
	if v == nil {
		return p, nil
	}
	if typed, ok := v.(P); ok {
		return typed, nil
	}
	var raw []byte
	switch b := v.(type) {
	case json.RawMessage:
		raw = b
	case []byte:
		raw = b
	default:
		return p, fmt.Errorf("want %T, got %T", p, v)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}
	return p, nil
}
