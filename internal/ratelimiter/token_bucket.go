// Package ratelimiter provides a token-bucket throttle for bytes/s and
// ops/s, driven by a single timerfd-backed oneshot timer exposed to the I/O
// thread's epoll set. Ported from Firecracker's rate_limiter crate: the
// replenish arithmetic, the one-time-burst-first consumption order, and the
// overconsumption-ratio timer are all preserved verbatim.
package ratelimiter

import (
	"time"
)

const nanosecPerMilli = 1_000_000

// gcd is Euclid's algorithm, used to pre-reduce the capacity/refill-time
// fraction so auto-replenish arithmetic never overflows a uint64.
func gcd(x, y uint64) uint64 {
	for y != 0 {
		x, y = y, x%y
	}
	return x
}

// BucketReduction describes the outcome of a Reduce call.
type BucketReduction int

const (
	// Failure means there were not enough tokens to complete the operation.
	Failure BucketReduction = iota
	// Success means the tokens were consumed.
	Success
	// OverConsumption means tokens times larger than the bucket size were
	// consumed; the float is how many multiples of the bucket size were
	// borrowed (ratio), used to compute how long the limiter must block.
	OverConsumption
)

// TokenBucket is a lower-level rate-limiting primitive with a configurable
// capacity, refill rate, and initial one-time burst.
type TokenBucket struct {
	size                 uint64
	initialOneTimeBurst  uint64
	refillTimeMs         uint64

	oneTimeBurst uint64
	budget       uint64
	lastUpdate   time.Time

	processedCapacity   uint64
	processedRefillTime uint64
}

// NewTokenBucket creates a bucket of total capacity `size` that takes
// `completeRefillTimeMs` milliseconds to go from zero tokens to `size`
// tokens. `oneTimeBurst` is extra non-replenishing initial credit.
//
// Returns nil if size or completeRefillTimeMs is zero — the caller
// should interpret a nil bucket as "rate limiting disabled" for that token
// type, matching TokenBucket::new's Option<Self> return in the original.
func NewTokenBucket(size, oneTimeBurst, completeRefillTimeMs uint64) *TokenBucket {
	if size == 0 || completeRefillTimeMs == 0 {
		return nil
	}
	refillTimeNs := completeRefillTimeMs * nanosecPerMilli
	factor := gcd(size, refillTimeNs)

	return &TokenBucket{
		size:                size,
		initialOneTimeBurst: oneTimeBurst,
		refillTimeMs:        completeRefillTimeMs,
		oneTimeBurst:        oneTimeBurst,
		budget:              size,
		lastUpdate:          time.Now(),
		processedCapacity:   size / factor,
		processedRefillTime: refillTimeNs / factor,
	}
}

// autoReplenish recomputes the budget based on elapsed time since the last
// update, advancing lastUpdate only by the fraction of the elapsed delta
// that produced whole tokens, to avoid drift across many small calls.
func (b *TokenBucket) autoReplenish() {
	now := time.Now()
	delta := now.Sub(b.lastUpdate)
	refillTimeNs := b.refillTimeMs * nanosecPerMilli

	if uint64(delta.Nanoseconds()) >= refillTimeNs {
		b.budget = b.size
		b.lastUpdate = now
		return
	}

	deltaNs := uint64(delta.Nanoseconds())
	tokens := (deltaNs * b.processedCapacity) / b.processedRefillTime

	timeAdjustment := tokens * b.processedRefillTime / b.processedCapacity
	if (tokens*b.processedRefillTime)%b.processedCapacity != 0 {
		timeAdjustment++
	}

	b.lastUpdate = b.lastUpdate.Add(time.Duration(timeAdjustment))
	b.budget = min(b.budget+tokens, b.size)
}

// Reduce attempts to consume `tokens` from the bucket. The returned ratio is
// only meaningful when the verdict is OverConsumption: the number of bucket
// sizes' worth of tokens that were borrowed past empty.
func (b *TokenBucket) Reduce(tokens uint64) (BucketReduction, float64) {
	if b.oneTimeBurst > 0 {
		if b.oneTimeBurst >= tokens {
			b.oneTimeBurst -= tokens
			b.lastUpdate = time.Now()
			return Success, 0
		}
		tokens -= b.oneTimeBurst
		b.oneTimeBurst = 0
	}

	if tokens > b.budget {
		b.autoReplenish()

		if tokens > b.size {
			overage := tokens - b.budget
			b.budget = 0
			return OverConsumption, float64(overage) / float64(b.size)
		}
		if tokens > b.budget {
			return Failure, 0
		}
	}

	b.budget -= tokens
	return Success, 0
}

// ForceReplenish manually adds tokens to the bucket (e.g. to revert a
// Consume). If still inside the burst window, tops up the burst instead.
func (b *TokenBucket) ForceReplenish(tokens uint64) {
	if b.oneTimeBurst > 0 {
		b.oneTimeBurst = min(b.oneTimeBurst+tokens, b.initialOneTimeBurst)
		return
	}
	b.budget = min(b.budget+tokens, b.size)
}

// Capacity returns the bucket's total size.
func (b *TokenBucket) Capacity() uint64 { return b.size }

// Budget returns the current budget (one-time-burst notwithstanding).
func (b *TokenBucket) Budget() uint64 { return b.budget }

// OneTimeBurst returns the remaining one-time burst allowance.
func (b *TokenBucket) OneTimeBurst() uint64 { return b.oneTimeBurst }

// RefillTimeMs returns the time in milliseconds to fill the bucket from empty.
func (b *TokenBucket) RefillTimeMs() uint64 { return b.refillTimeMs }

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
