package bitrix24

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxRetryDelay = 30 * time.Second

// RetryDelay is the wait before retry k (1-based): 2^(k-1) seconds, capped at 30s.
func RetryDelay(k int) time.Duration {
	if k < 1 {
		return 0
	}
	if k > 6 {
		return maxRetryDelay
	}
	d := time.Duration(1<<uint(k-1)) * time.Second
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// exponentialBackOff yields RetryDelay(1), RetryDelay(2), ... without jitter.
type exponentialBackOff struct {
	attempt int
}

func (b *exponentialBackOff) NextBackOff() time.Duration {
	b.attempt++
	return RetryDelay(b.attempt)
}

func (b *exponentialBackOff) Reset() {
	b.attempt = 0
}

var _ backoff.BackOff = (*exponentialBackOff)(nil)
