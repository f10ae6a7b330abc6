package backoff

import (
	"math/rand"
	"time"
)

// Backoff computes exponentially growing waits with optional jitter.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	// Jitter spreads each wait by +/- Jitter*wait. 0 disables it.
	Jitter float64
	// Rand overrides the jitter source; nil uses math/rand.
	Rand func() float64
}

// Default provides conservative reconnect defaults.
func Default() Backoff {
	return Backoff{
		Min:    250 * time.Millisecond,
		Max:    5 * time.Second,
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
	if max <= 0 {
		max = 5 * time.Second
	}
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
	random := b.Rand
	if random == nil {
		random = rand.Float64
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(random()*2*delta)
}
