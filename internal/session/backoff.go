package session

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnect delays as
// min(Max, Min + (attempt-1)^Growth seconds).
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Growth float64
}

// NewBackoff returns a Backoff whose Min is base scaled by a random factor in
// [1, 2), so that a fleet of bots does not reconnect in lockstep.
func NewBackoff(base, max time.Duration, growth float64) Backoff {
	jittered := time.Duration(float64(base) * (1 + rand.Float64()))
	if max > 0 && jittered > max {
		jittered = max
	}
	return Backoff{Min: jittered, Max: max, Growth: growth}
}

// Delay returns the wait before reconnect attempt number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	extra := math.Pow(float64(attempt-1), b.Growth) * float64(time.Second)
	d := b.Min
	if extra >= float64(math.MaxInt64-int64(d)) {
		d = time.Duration(math.MaxInt64)
	} else {
		d += time.Duration(extra)
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
