package jobsched

import (
	"math"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
)

const (
	defaultMaxRetries   = 3
	defaultInitialDelay = time.Second
	defaultMultiplier   = 2.0
)

// MinJitterDelay is the smallest delay the jittered backoff accepts.
// Shorter InitialDelay and MaxDelay values are raised to it.
const MinJitterDelay = 2 * time.Nanosecond

// RetryPolicy describes how many times and how often a failed job is retried.
// Zero values are treated as "use scheduler defaults".
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	// A negative value disables retries.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// Multiplier scales the delay of each subsequent retry.
	Multiplier float64

	// MaxDelay caps a single retry delay. Zero means uncapped.
	MaxDelay time.Duration

	// Jitter switches to randomized backoff: retry n waits a random
	// duration in [d/2, d) where d = InitialDelay * 2^(n-1), capped by
	// MaxDelay. The jittered backoff always doubles, so Multiplier must
	// be 2.
	Jitter bool
}

// GetDefaultRP returns a pointer to the default retry policy.
// Useful in tests or when constructing a scheduler with the same defaults.
func GetDefaultRP() *RetryPolicy {
	rp := RetryPolicy{
		MaxRetries:   defaultMaxRetries,
		InitialDelay: defaultInitialDelay,
		Multiplier:   defaultMultiplier,
	}
	return &rp
}

// merge overrides non-zero fields of p with those of o.
func (p RetryPolicy) merge(o RetryPolicy) RetryPolicy {
	if o.MaxRetries != 0 {
		p.MaxRetries = o.MaxRetries
	}
	if o.InitialDelay > 0 {
		p.InitialDelay = o.InitialDelay
	}
	if o.Multiplier > 0 {
		p.Multiplier = o.Multiplier
	}
	if o.MaxDelay > 0 {
		p.MaxDelay = o.MaxDelay
	}
	if o.Jitter {
		p.Jitter = true
	}
	return p
}

func (p *RetryPolicy) fillDefaults() {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaultInitialDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = defaultMultiplier
	}
	if p.Jitter {
		p.InitialDelay = max(p.InitialDelay, MinJitterDelay)
		if p.MaxDelay > 0 {
			p.MaxDelay = max(p.MaxDelay, p.InitialDelay)
		}
	}
}

// Delay returns the wait before retry number retryCount (1-based):
// InitialDelay * Multiplier^(retryCount-1), capped by MaxDelay if set.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(retryCount-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// backoffClock produces successive retry delays for one job.
type backoffClock interface {
	Next() time.Duration
}

type backoffFunc func() time.Duration

func (f backoffFunc) Next() time.Duration { return f() }

type deterministicBackoff struct {
	policy RetryPolicy
	n      int
}

func (b *deterministicBackoff) Next() time.Duration {
	b.n++
	return b.policy.Delay(b.n)
}

// newBackoff returns the delay source for a single job.
func (p RetryPolicy) newBackoff() backoffClock {
	if !p.Jitter {
		return &deterministicBackoff{policy: p}
	}
	initial := max(p.InitialDelay, MinJitterDelay)
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = p.Delay(p.MaxRetries + 1)
	}
	// the backoff doubles its current delay before capping it
	maxDelay = min(max(maxDelay, initial), time.Duration(math.MaxInt64/2))
	bo := boff.New(initial, maxDelay, time.Now().UnixNano())
	return backoffFunc(func() time.Duration { return bo.Next() })
}
