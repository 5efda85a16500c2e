package judge

import (
	"sync/atomic"
	"time"
)

// breaker is a count-threshold circuit breaker, not a sliding window. Time is
// measured against a construction-time base so readings come from the
// monotonic clock. Counters are plain atomics: a racing increment can only
// shift breaker sensitivity by one, which does not matter for correctness.
type breaker struct {
	threshold int64
	cooldown  time.Duration
	base      time.Time

	failures atomic.Int64
	lastFail atomic.Int64 // nanoseconds since base
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &breaker{
		threshold: int64(threshold),
		cooldown:  cooldown,
		base:      time.Now(),
	}
}

func (b *breaker) now() int64 { return int64(time.Since(b.base)) }

// allow reports whether a new top-level call may proceed. When the cooldown
// after the last failure has elapsed the breaker resets and a live attempt is
// made (half-open by reset).
func (b *breaker) allow() bool {
	if b.failures.Load() < b.threshold {
		return true
	}
	if time.Duration(b.now()-b.lastFail.Load()) > b.cooldown {
		b.failures.Store(0)
		return true
	}
	return false
}

func (b *breaker) recordFailure() {
	b.failures.Add(1)
	b.lastFail.Store(b.now())
}

func (b *breaker) recordSuccess() {
	b.failures.Store(0)
}
