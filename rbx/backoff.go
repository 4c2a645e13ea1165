package rbx

import (
	"math"
	"math/rand"
	"time"
)

// Backoff returns the delay to apply after the given failed attempt (1 based).
// The delay is base*2^(attempt-1) capped at ceiling, then reduced by a random
// fraction up to jitter (0 disables randomness, 1 is full jitter).
//
// For example, with base 200ms, ceiling 1m and no jitter:
//
//	attempt 1: 200ms
//	attempt 2: 400ms
//	attempt 3: 800ms
//	...
//	attempt 9: 51.2s
//	attempt 10: 1m0s
func Backoff(attempt int, base, ceiling time.Duration, jitter float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := ceiling
	shift := attempt - 1
	if shift < 62 && int64(base) <= math.MaxInt64>>shift {
		delay = min(base<<shift, ceiling)
	}

	if jitter > 0 {
		jitter = min(jitter, 1)
		delay -= time.Duration(rand.Float64() * jitter * float64(delay))
	}
	return delay
}
