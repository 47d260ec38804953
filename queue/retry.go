package queue

import (
	"math/rand"
	"time"
)

// RetryPolicy computes re-enqueue delays for retryable failures:
// delay = min(cap, base * 2^(attempts-1)) * (1 ± jitter).
// Jitter spreads retries so a burst of rate-limited jobs does not thunder back
// in lockstep.
type RetryPolicy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction in [0, 1)
}

// DefaultRetryPolicy returns the standard backoff: 500ms base, 30s cap, ±20%.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:   500 * time.Millisecond,
		Cap:    30 * time.Second,
		Jitter: 0.2,
	}
}

// Delay returns the backoff before the next attempt, given the number of
// attempts already made (>= 1).
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := p.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	if d > p.Cap {
		d = p.Cap
	}

	if p.Jitter > 0 {
		// Uniform in [1-jitter, 1+jitter]
		factor := 1 + p.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * factor)
	}
	return d
}
