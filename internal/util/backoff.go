package util

import (
	"math"
	"time"
)

// ExponentialBackoff computes baseDelay * 2^(attempt-1) capped at maxDelay,
// with optional jitter.
func ExponentialBackoff(attempt int, baseDelay, maxDelay time.Duration, jitterPercent float64) time.Duration {
	if attempt <= 0 {
		return 0
	}

	backoff := float64(baseDelay) * math.Pow(2, float64(attempt-1))
	if backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}

	if jitterPercent > 0 {
		// Time-based pseudo-random avoids importing math/rand on a hot path
		pseudoRandom := float64(time.Now().UnixNano()%1000) / 1000.0
		backoff += backoff * jitterPercent * (pseudoRandom - 0.5)
	}

	return time.Duration(backoff)
}

// ClampDuration bounds d to [lo, hi].
func ClampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
