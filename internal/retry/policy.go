// Package retry decides whether a failed job attempt may run again and
// how long to wait before it does. The policy is pure: it reads the
// job's counters and returns a decision, all persistence happens at the
// call site.
package retry

import (
	"math/rand"
	"time"
)

const (
	// MaxDelay caps the backoff so a job with a large base or many
	// retries still comes back within a bounded window.
	MaxDelay = 300 * time.Second

	// JitterMax bounds the uniform random jitter added to each delay.
	// Jitter spreads out jobs that failed together so they do not
	// retry in lockstep.
	JitterMax = 10 * time.Second
)

// Decision is the outcome for one failed attempt.
type Decision struct {
	// Retry is true when the job may be returned to the pending pool.
	Retry bool

	// Delay is how long to wait before the job becomes pending again.
	// Zero when Retry is false.
	Delay time.Duration
}

// Policy computes retry decisions. The zero value is not usable; use
// New, or NewWithRand in tests to pin the jitter.
type Policy struct {
	rand *rand.Rand
}

// New creates a policy with time-seeded jitter.
func New() *Policy {
	return &Policy{rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewWithRand creates a policy with a caller-supplied source, so tests
// get deterministic jitter.
func NewWithRand(r *rand.Rand) *Policy {
	return &Policy{rand: r}
}

// Decide returns the decision for a job that has already used
// `retries` of its `maxRetries` attempts, with backoff base `base`.
//
// The delay is min(base * 2^retries + jitter, MaxDelay) with jitter
// uniform in [0, JitterMax].
func (p *Policy) Decide(retries, maxRetries int, base time.Duration) Decision {
	if retries >= maxRetries {
		return Decision{}
	}

	delay := base << uint(retries)
	if delay <= 0 || delay > MaxDelay {
		// Shifted past MaxDelay (or overflowed); jitter no longer matters.
		return Decision{Retry: true, Delay: MaxDelay}
	}

	jitterSec := p.rand.Int63n(int64(JitterMax/time.Second) + 1)
	delay += time.Duration(jitterSec) * time.Second
	if delay > MaxDelay {
		delay = MaxDelay
	}

	return Decision{Retry: true, Delay: delay}
}
