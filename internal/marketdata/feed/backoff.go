package feed

import (
	"math/rand"
	"time"
)

// Backoff computes the wait before a reconnect attempt.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // fraction of the wait, 0..1
}

// DefaultBackoff starts at half a second and caps at the configured ceiling.
func DefaultBackoff(max time.Duration) Backoff {
	if max <= 0 {
		max = 60 * time.Second
	}
	return Backoff{
		Min:    500 * time.Millisecond,
		Max:    max,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Next returns the wait for the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := b.Max
	if max < min {
		max = min
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}
