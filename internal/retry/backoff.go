// Package retry computes exponential backoff delays with optional jitter.
//
// Delay for attempt n (1-based) is Initial * Multiplier^(n-1), capped at Max.
// With jitter the delay becomes d/2 + random(0, d/2).
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy configures retries for one class of provider call.
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      bool
	MaxAttempts int
}

// DefaultPolicy mirrors Gmail's guidance for 429 and 5xx responses.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     500 * time.Millisecond,
		Max:         30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
		MaxAttempts: 5,
	}
}

// Start returns a fresh backoff sequence for one logical operation.
func (p Policy) Start() *Backoff {
	return &Backoff{policy: p, int63n: rand.Int64N}
}

// Backoff tracks attempts for a single operation. It is not safe for
// concurrent use.
type Backoff struct {
	policy  Policy
	attempt int
	int63n  func(int64) int64
}

// Attempt returns how many delays have been handed out so far.
func (b *Backoff) Attempt() int { return b.attempt }

// Next returns the delay before the next attempt, or false once MaxAttempts
// total attempts have been used. The first call corresponds to the first
// retry, i.e. the second attempt overall.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.policy.MaxAttempts > 0 && b.attempt+1 >= b.policy.MaxAttempts {
		return 0, false
	}
	b.attempt++
	return b.policy.Delay(b.attempt, b.int63n), true
}

// Delay returns the delay for the given retry number. int63n supplies jitter
// and may be nil when jitter is disabled.
func (p Policy) Delay(retry int, int63n func(int64) int64) time.Duration {
	if retry <= 0 {
		retry = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	interval := float64(p.Initial) * math.Pow(mult, float64(retry-1))
	if p.Max > 0 && interval > float64(p.Max) {
		interval = float64(p.Max)
	}
	d := time.Duration(interval)
	if p.Jitter && int63n != nil && d > 1 {
		half := d / 2
		d = half + time.Duration(int63n(int64(half)))
	}
	return d
}
