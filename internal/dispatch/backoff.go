package dispatch

import (
	"math"
	"time"
)

// BackoffDelay returns base * 2^(attempt-1). Attempt 1 is the first retry.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
}
