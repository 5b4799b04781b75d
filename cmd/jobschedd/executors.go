package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/azargarov/jobsched"
)

type sleepPayload struct {
	Duration string `json:"duration"`
}

type failPayload struct {
	Message   string `json:"message"`
	Permanent bool   `json:"permanent"`
}

// registerDemoExecutors installs the built-in job types served by the daemon.
func registerDemoExecutors(reg *jobsched.Registry, refreshed func() int64) {
	jobsched.Handle(reg, "sleep", func(ctx context.Context, p sleepPayload) (any, error) {
		d := time.Second
		if p.Duration != "" {
			var err error
			if d, err = time.ParseDuration(p.Duration); err != nil {
				return nil, jobsched.Permanent(fmt.Errorf("sleep: %w", err))
			}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			return map[string]string{"slept": d.String()}, nil
		}
	})

	reg.Register("echo", jobsched.ExecutorFunc(func(_ context.Context, job jobsched.Job) (any, error) {
		return job.Payload, nil
	}))

	jobsched.Handle(reg, "fail", func(_ context.Context, p failPayload) (any, error) {
		msg := p.Message
		if msg == "" {
			msg = "requested failure"
		}
		err := errors.New(msg)
		if p.Permanent {
			return nil, jobsched.Permanent(err)
		}
		return nil, err
	})

	reg.Register("cache_refresh", jobsched.ExecutorFunc(func(_ context.Context, _ jobsched.Job) (any, error) {
		return map[string]int64{"generation": refreshed()}, nil
	}))
}
