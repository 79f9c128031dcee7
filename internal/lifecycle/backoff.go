package lifecycle

import (
	"math/rand"
	"time"
)

const (
	DefaultBaseDelay = 5 * time.Second
	DefaultMaxDelay  = 60 * time.Second
)

// BackoffPolicy computes reconnect delays: min(Max, Base*2^retry), optionally
// spread by +/- Jitter (a fraction of the delay, 0 disables it).
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	rand func() float64
}

// Delay returns the wait before reconnect attempt number retry (0 based).
func (b BackoffPolicy) Delay(retry int) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if max < base {
		max = base
	}
	if retry < 0 {
		retry = 0
	}

	delay := base
	for i := 0; i < retry && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}

	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		spread := float64(delay) * b.Jitter * (2*r() - 1)
		delay += time.Duration(spread)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
