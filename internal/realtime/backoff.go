package realtime

import (
	"math/rand/v2"
	"time"
)

// Backoff yields the delay before reconnect attempt n (starting at 1).
type Backoff interface {
	Delay(attempt int) time.Duration
}

type fixedBackoff time.Duration

// FixedBackoff waits the same delay before every attempt.
func FixedBackoff(delay time.Duration) Backoff {
	return fixedBackoff(delay)
}

func (b fixedBackoff) Delay(int) time.Duration {
	return time.Duration(b)
}

// ExponentialBackoff doubles Base per attempt up to Max. Jitter in [0,1] spreads each delay
// uniformly by up to that fraction in either direction.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	Rand   func() float64
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for step := 1; step < attempt && (b.Max <= 0 || delay < b.Max); step++ {
		delay *= 2
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	if b.Jitter <= 0 {
		return delay
	}
	random := b.Rand
	if random == nil {
		random = rand.Float64
	}
	jitter := min(b.Jitter, 1)
	spread := float64(delay) * jitter * (2*random() - 1)
	return time.Duration(float64(delay) + spread)
}
