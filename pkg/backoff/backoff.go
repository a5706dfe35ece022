// Package backoff implements capped exponential backoff with jitter for
// reconnect loops.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy computes retry delays. The zero value is not usable; use New.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction of the delay randomized, 0..1
}

// New returns a policy with the given base and cap and 20% jitter.
func New(base, cap time.Duration) Policy {
	return Policy{Base: base, Cap: cap, Jitter: 0.2}
}

// Delay returns the delay for the given attempt (0-based). The exponential
// growth is capped before jitter is applied, so the returned value never
// exceeds Cap.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30 // avoid overflow before capping
	}
	d := p.Base << uint(attempt)
	if d <= 0 || d > p.Cap {
		d = p.Cap
	}
	if p.Jitter > 0 {
		span := int64(float64(d) * p.Jitter)
		if span > 0 {
			d -= time.Duration(rand.Int64N(span))
		}
	}
	return d
}
