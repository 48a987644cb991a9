package vmm

import (
	"golang.org/x/sys/unix"

	"github.com/go-microvm/vmm/internal/devices/virtio"
	"github.com/go-microvm/vmm/internal/ioevent"
	"github.com/go-microvm/vmm/internal/obs"
	"github.com/go-microvm/vmm/internal/ratelimiter"
)

// limiterPair is the bandwidth/ops bucket pair metering one virtio device's
// traffic, tracked so a later hot-update can replace either bucket and
// re-subscribe its timerfd without disturbing the other.
type limiterPair struct {
	bw, ops   *ratelimiter.RateLimiter
	transport *virtio.MMIOTransport
}

// netLimiterPair tracks a net device's independent rx and tx bucket pairs,
// since inbound and outbound traffic are metered separately.
type netLimiterPair struct {
	rx, tx limiterPair
}

// rateLimiterSubscriber drains a blocked bucket's timerfd and re-drains its
// owning transport, since a device that stopped popping descriptors while
// blocked needs a nudge to notice it can resume.
type rateLimiterSubscriber struct {
	limiter   *ratelimiter.RateLimiter
	transport *virtio.MMIOTransport
}

func (s rateLimiterSubscriber) Process(fd int, events uint32, ops *ioevent.Ops) {
	if err := s.limiter.EventHandler(); err != nil {
		obs.L().WithError(err).Warn("rate limiter timerfd drain failed")
		return
	}
	if err := s.transport.Drain(); err != nil {
		obs.L().WithError(err).Warn("virtio queue processing failed after rate limiter unblock")
	}
}

// buildRateLimiter returns nil if bandwidthBps and opsPerSec are both zero
// (rate limiting disabled), matching ratelimiter.New's "zero disables"
// convention for each bucket independently.
func buildRateLimiter(bandwidthBps, opsPerSec uint64) (*ratelimiter.RateLimiter, error) {
	if bandwidthBps == 0 && opsPerSec == 0 {
		return nil, nil
	}
	return ratelimiter.New(bandwidthBps, 0, 1000, opsPerSec, 0, 1000)
}

// subscribeLimiter registers l's timerfd with the I/O thread if l is
// non-nil; a nil limiter (rate limiting disabled for this bucket) is a
// no-op.
func (vm *VirtualMachine) subscribeLimiter(l *ratelimiter.RateLimiter, t *virtio.MMIOTransport) error {
	if l == nil {
		return nil
	}
	return vm.ioMgr.Add(l.Fd(), unix.EPOLLIN, rateLimiterSubscriber{limiter: l, transport: t})
}

// unsubscribeLimiter unregisters l's timerfd and closes it, used when
// replacing or disabling a bucket at runtime.
func (vm *VirtualMachine) unsubscribeLimiter(l *ratelimiter.RateLimiter) {
	if l == nil {
		return
	}
	_ = vm.ioMgr.Remove(l.Fd())
	_ = l.Close()
}
