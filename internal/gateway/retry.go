package gateway

import (
	"math/rand/v2"
	"time"
)

// backoff returns the delay before retry i (0-indexed): base * 2^i plus
// up to 50% random jitter.
func backoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int64N(int64(exp)/2 + 1))
	return exp + jitter
}
