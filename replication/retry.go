package replication

import (
	"math"
	"time"
)

// Backoff computes the retry delay after repeated session failures to the
// same peer: base interval times coeff^failures, capped. A peer is never
// dropped for sync failures alone, so the cap keeps indefinite retries cheap.
type Backoff struct {
	Interval time.Duration
	Coeff    int
	Cap      time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{
		Interval: 2 * time.Second,
		Coeff:    2,
		Cap:      2 * time.Minute,
	}
}

// Next returns the delay before the attempt following the given number of
// consecutive failures. Zero failures means retry immediately.
func (b Backoff) Next(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	coeff := math.Pow(float64(b.Coeff), float64(failures-1))
	d := time.Duration(float64(b.Interval.Milliseconds())*coeff) * time.Millisecond
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}
