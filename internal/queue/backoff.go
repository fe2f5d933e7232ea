package queue

import (
	"math/rand/v2"
	"time"
)

// backoff returns the delay before the next attempt: exponential from
// BaseDelay, capped at MaxDelay, with jitter in [d/2, d] so synchronized
// failures do not retry in lockstep.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.MaxDelay {
			d = cfg.MaxDelay
			break
		}
	}
	half := d / 2
	return half + rand.N(d-half+1)
}
