package resilience

import "time"

// backoff computes exponential reconnect delays with a cap. Attempt 1 waits
// the base delay, each further attempt doubles it.
type backoff struct {
	base time.Duration
	max  time.Duration
}

func (b backoff) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	if d > b.max {
		return b.max
	}
	return d
}
