package ratelimiter

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// refillTimerInterval is the granularity of "wake me up" events while the
// limiter is blocked at capacity.
const refillTimerInterval = 100 * time.Millisecond

// TokenType selects which bucket a Consume/ManualReplenish call targets.
type TokenType int

const (
	// Bytes is used for bandwidth limiting.
	Bytes TokenType = iota
	// Ops is used for operations/second limiting.
	Ops
)

// BucketUpdateKind describes a hot-update instruction for one bucket.
type BucketUpdateKind int

const (
	// UpdateNone leaves the bucket unchanged.
	UpdateNone BucketUpdateKind = iota
	// UpdateDisabled removes the bucket (rate limiting turned off).
	UpdateDisabled
	// UpdateReplace installs a brand new bucket.
	UpdateReplace
)

// BucketUpdate carries a hot-update instruction plus, for UpdateReplace, the
// replacement bucket parameters.
type BucketUpdate struct {
	Kind                 BucketUpdateKind
	Size                 uint64
	OneTimeBurst         uint64
	CompleteRefillTimeMs uint64
}

// ErrSpuriousEvent is returned by EventHandler when called while the
// limiter's timer was not armed — a programming error in the caller.
type ErrSpuriousEvent struct{ Reason string }

func (e *ErrSpuriousEvent) Error() string {
	return fmt.Sprintf("rate limiter: spurious event handler call: %s", e.Reason)
}

// RateLimiter throttles on bytes/s and/or ops/s, backed by a single
// timerfd. Consume fails while the timer is armed ("blocked"); an event on
// Fd() must be drained via EventHandler, which clears the armed timer.
type RateLimiter struct {
	bandwidth *TokenBucket
	ops       *TokenBucket

	timerFd      int
	timerArmed   bool
}

// New builds a RateLimiter. A zero size or zero refill time for either token
// type disables limiting on that type.
func New(bytesSize, bytesBurst, bytesRefillMs, opsSize, opsBurst, opsRefillMs uint64) (*RateLimiter, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("ratelimiter: timerfd_create: %w", err)
	}
	return &RateLimiter{
		bandwidth: NewTokenBucket(bytesSize, bytesBurst, bytesRefillMs),
		ops:       NewTokenBucket(opsSize, opsBurst, opsRefillMs),
		timerFd:   fd,
	}, nil
}

// Fd returns the timerfd to register with the I/O thread's epoll set.
func (r *RateLimiter) Fd() int { return r.timerFd }

// IsBlocked reports whether the limiter's timer is currently armed.
func (r *RateLimiter) IsBlocked() bool { return r.timerArmed }

func (r *RateLimiter) activateTimer(d time.Duration) error {
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(r.timerFd, 0, &spec, nil); err != nil {
		return fmt.Errorf("ratelimiter: timerfd_settime: %w", err)
	}
	r.timerArmed = true
	return nil
}

// Consume attempts to draw `tokens` from the bucket for `tt`. If rate
// limiting is disabled for `tt` (nil bucket), it always succeeds.
func (r *RateLimiter) Consume(tokens uint64, tt TokenType) bool {
	if r.timerArmed {
		return false
	}

	bucket := r.bucket(tt)
	if bucket == nil {
		return true
	}

	refillMs := bucket.RefillTimeMs()
	verdict, ratio := bucket.Reduce(tokens)
	switch verdict {
	case Failure:
		if !r.timerArmed {
			_ = r.activateTimer(refillTimerInterval)
		}
		return false
	case OverConsumption:
		_ = r.activateTimer(time.Duration(ratio*float64(refillMs)) * time.Millisecond)
		return true
	default: // Success
		return true
	}
}

// ManualReplenish adds tokens of the given type back to its bucket. Useful
// to revert a Consume.
func (r *RateLimiter) ManualReplenish(tokens uint64, tt TokenType) {
	if bucket := r.bucket(tt); bucket != nil {
		bucket.ForceReplenish(tokens)
	}
}

// EventHandler must be called on every readiness event delivered on Fd().
// It drains the timerfd and clears the blocked flag.
func (r *RateLimiter) EventHandler() error {
	if !r.timerArmed {
		return &ErrSpuriousEvent{Reason: "timer not armed"}
	}
	var buf [8]byte
	if _, err := unix.Read(r.timerFd, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("ratelimiter: draining timerfd: %w", err)
	}
	r.timerArmed = false
	return nil
}

// UpdateBucket applies a hot-update instruction to one of the limiter's
// buckets, as driven by UpdateBlockRateLimiter/UpdateNetRateLimiters.
func (r *RateLimiter) UpdateBucket(tt TokenType, u BucketUpdate) {
	var target **TokenBucket
	switch tt {
	case Bytes:
		target = &r.bandwidth
	case Ops:
		target = &r.ops
	}
	switch u.Kind {
	case UpdateNone:
		// no-op
	case UpdateDisabled:
		*target = nil
	case UpdateReplace:
		*target = NewTokenBucket(u.Size, u.OneTimeBurst, u.CompleteRefillTimeMs)
	}
}

// Close releases the timerfd.
func (r *RateLimiter) Close() error {
	return unix.Close(r.timerFd)
}

func (r *RateLimiter) bucket(tt TokenType) *TokenBucket {
	if tt == Bytes {
		return r.bandwidth
	}
	return r.ops
}
