package service

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: min(Cap, Base*2^attempts), spread by up to
// ±Jitter of itself and clamped to Cap. With Jitter <= 1/3 the jittered delay
// for attempt n+1 is never below that for attempt n until Cap is hit.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

// Delay returns the wait before the attempt following attempts failures.
func (b Backoff) Delay(attempts int) time.Duration {
	d := b.Base
	for i := 0; i < attempts && d < b.Cap; i++ {
		d *= 2
	}
	if d > b.Cap {
		d = b.Cap
	}

	if b.Jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		spread := b.Jitter * (2*r() - 1)
		d = time.Duration(float64(d) * (1 + spread))
	}
	if d > b.Cap {
		d = b.Cap
	}
	if d < 0 {
		d = 0
	}
	return d
}
