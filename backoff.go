package rtm

import (
	"math/rand/v2"
	"time"
)

// backoff computes exponential retry delays: base for the first attempt,
// doubled for each later one and capped at max.
type backoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64 // up to jitter*base added at random
}

func (b backoff) delay(attempt int) time.Duration {
	d := b.base
	for i := 1; i < attempt && d < b.max; i++ {
		d *= 2
	}
	if b.jitter > 0 {
		d += time.Duration(rand.Float64() * b.jitter * float64(b.base))
	}
	return min(d, b.max)
}
