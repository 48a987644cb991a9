package vmm

import (
	"fmt"
	"time"

	"github.com/go-microvm/vmm/internal/devices/virtio"
	"github.com/go-microvm/vmm/internal/obs"
	"github.com/go-microvm/vmm/internal/ratelimiter"
)

// UpdateBlockDevicePath swaps the backing file of the drive identified by
// id. The old file descriptor stays open, and in-flight requests keep
// using it, until the new one is installed.
func (vm *VirtualMachine) UpdateBlockDevicePath(id, newPath string) error {
	blk, ok := vm.blockDevices[id]
	if !ok {
		return fmt.Errorf("vmm: unknown drive %q", id)
	}
	if err := blk.SwapFile(newPath); err != nil {
		return err
	}
	if t, ok := vm.blockTransports[id]; ok {
		t.RaiseConfigChange()
	}
	return nil
}

// applyBucketUpdate resolves a BucketUpdate against the currently
// installed limiter: None leaves it as-is, Disabled clears it (closing
// and unsubscribing any existing timerfd), Replace installs a freshly
// built one in its place.
func (vm *VirtualMachine) applyBucketUpdate(current *ratelimiter.RateLimiter, update ratelimiter.BucketUpdate, tt ratelimiter.TokenType, t *virtio.MMIOTransport) (*ratelimiter.RateLimiter, error) {
	switch update.Kind {
	case ratelimiter.UpdateNone:
		return current, nil
	case ratelimiter.UpdateDisabled:
		vm.unsubscribeLimiter(current)
		return nil, nil
	case ratelimiter.UpdateReplace:
		vm.unsubscribeLimiter(current)
		var bytesArgs, opsArgs [3]uint64
		args := [3]uint64{update.Size, update.OneTimeBurst, update.CompleteRefillTimeMs}
		if tt == ratelimiter.Bytes {
			bytesArgs = args
		} else {
			opsArgs = args
		}
		l, err := ratelimiter.New(bytesArgs[0], bytesArgs[1], bytesArgs[2], opsArgs[0], opsArgs[1], opsArgs[2])
		if err != nil {
			return nil, err
		}
		if err := vm.subscribeLimiter(l, t); err != nil {
			return nil, err
		}
		return l, nil
	default:
		return current, fmt.Errorf("vmm: unknown bucket update kind %d", update.Kind)
	}
}

// UpdateBlockRateLimiter applies bandwidth and/or ops bucket updates to
// the drive identified by id.
func (vm *VirtualMachine) UpdateBlockRateLimiter(id string, bw, ops ratelimiter.BucketUpdate) error {
	blk, ok := vm.blockDevices[id]
	if !ok {
		return fmt.Errorf("vmm: unknown drive %q", id)
	}
	lp, ok := vm.blockLimiters[id]
	if !ok {
		return fmt.Errorf("vmm: no rate limiter state for drive %q", id)
	}

	newBw, err := vm.applyBucketUpdate(lp.bw, bw, ratelimiter.Bytes, lp.transport)
	if err != nil {
		return err
	}
	newOps, err := vm.applyBucketUpdate(lp.ops, ops, ratelimiter.Ops, lp.transport)
	if err != nil {
		return err
	}
	lp.bw, lp.ops = newBw, newOps
	blk.SetRateLimiters(newBw, newOps)
	return nil
}

// UpdateNetRateLimiters applies bandwidth and/or ops bucket updates to the
// rx and/or tx buckets of the net device identified by id.
func (vm *VirtualMachine) UpdateNetRateLimiters(id string, rxBw, rxOps, txBw, txOps ratelimiter.BucketUpdate) error {
	netDev, ok := vm.netDevicesByID[id]
	if !ok {
		return fmt.Errorf("vmm: unknown net device %q", id)
	}
	nlp, ok := vm.netLimiters[id]
	if !ok {
		return fmt.Errorf("vmm: no rate limiter state for net device %q", id)
	}

	newRxBw, err := vm.applyBucketUpdate(nlp.rx.bw, rxBw, ratelimiter.Bytes, nlp.rx.transport)
	if err != nil {
		return err
	}
	newRxOps, err := vm.applyBucketUpdate(nlp.rx.ops, rxOps, ratelimiter.Ops, nlp.rx.transport)
	if err != nil {
		return err
	}
	newTxBw, err := vm.applyBucketUpdate(nlp.tx.bw, txBw, ratelimiter.Bytes, nlp.tx.transport)
	if err != nil {
		return err
	}
	newTxOps, err := vm.applyBucketUpdate(nlp.tx.ops, txOps, ratelimiter.Ops, nlp.tx.transport)
	if err != nil {
		return err
	}

	nlp.rx.bw, nlp.rx.ops = newRxBw, newRxOps
	nlp.tx.bw, nlp.tx.ops = newTxBw, newTxOps
	netDev.SetRxRateLimiters(newRxBw, newRxOps)
	netDev.SetTxRateLimiters(newTxBw, newTxOps)
	return nil
}

// UpdateBalloonTarget rewrites the balloon's requested size. targetMiB
// must not exceed the guest's configured memory size.
func (vm *VirtualMachine) UpdateBalloonTarget(targetMiB uint32) error {
	if vm.balloonDevice == nil {
		return fmt.Errorf("vmm: no balloon device attached")
	}
	memMiB := vm.MemorySizeBytes / (1024 * 1024)
	if uint64(targetMiB) > memMiB {
		return fmt.Errorf("vmm: balloon target %d MiB exceeds guest memory %d MiB", targetMiB, memMiB)
	}
	vm.balloonDevice.UpdateTarget(targetMiB * 256) // MiB -> 4KiB pages
	obs.Metrics.BalloonTargetMiB.Set(float64(targetMiB))
	return nil
}

// UpdateBalloonStatsInterval reprograms how often the balloon's stats
// queue is polled. Rejected if the balloon was configured without the
// stats virtqueue.
func (vm *VirtualMachine) UpdateBalloonStatsInterval(interval time.Duration) error {
	if vm.balloonDevice == nil {
		return fmt.Errorf("vmm: no balloon device attached")
	}
	if !vm.balloonDevice.StatsEnabled() {
		return fmt.Errorf("vmm: balloon was not configured with the stats queue")
	}
	t := vm.balloonTransport
	vm.balloonDevice.UpdateStatsInterval(interval, func() {
		if t != nil {
			_ = t.Drain()
		}
	})
	vm.balloonStatsInterval = interval
	return nil
}
