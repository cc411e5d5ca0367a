package teamchat

import "time"

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 16 * time.Second
)

// Backoff computes capped exponential delays: Base * 2^(attempts-1), at most Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns the 1s..16s schedule.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBaseDelay, Max: DefaultMaxDelay}
}

// Delay returns the wait before the next attempt of a message that has already
// been attempted `attempts` times. Values below 1 are treated as 1.
func (b Backoff) Delay(attempts int) time.Duration {
	base, maxDelay := b.Base, b.Max
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if base >= maxDelay {
		return maxDelay
	}
	if attempts < 1 {
		attempts = 1
	}

	d := base
	for i := 1; i < attempts; i++ {
		if d > maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	return d
}
