package virtio

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-microvm/vmm/internal/network"
	"github.com/go-microvm/vmm/internal/obs"
	"github.com/go-microvm/vmm/internal/ratelimiter"
)

// netHeaderLen is the virtio-net packet header this device uses: flags,
// gso_type, hdr_len, gso_size, csum_start, csum_offset. VIRTIO_NET_F_MRG_RXBUF
// and VIRTIO_NET_F_GUEST_CSUM are not offered, so it is always exactly 10
// bytes and every field but the leading flags byte is zero.
const netHeaderLen = 10

// NetDevice is a virtio-net device backed by a host tap interface: a
// polling goroutine reads the tap fd and injects frames into the rx
// virtqueue, started and stopped via a stop channel + done channel.
type NetDevice struct {
	mu      sync.Mutex
	tap     network.HostNetInterface
	mac     [6]byte
	rxQueue *Queue
	notify  func()

	stopCh chan struct{}
	doneCh chan struct{}

	rxBwLimiter  *ratelimiter.RateLimiter
	rxOpsLimiter *ratelimiter.RateLimiter
	txBwLimiter  *ratelimiter.RateLimiter
	txOpsLimiter *ratelimiter.RateLimiter
}

// NewNetDevice wraps tap as a virtio-net device advertising mac in its
// config space.
func NewNetDevice(tap network.HostNetInterface, mac [6]byte) *NetDevice {
	return &NetDevice{tap: tap, mac: mac}
}

// TapName and GuestMACString expose the device's host/guest identity for
// the snapshot engine's VmInfo inventory.
func (n *NetDevice) TapName() string        { return n.tap.Name() }
func (n *NetDevice) GuestMACString() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", n.mac[0], n.mac[1], n.mac[2], n.mac[3], n.mac[4], n.mac[5])
}

func (n *NetDevice) DeviceID() uint32     { return DeviceIDNet }
func (n *NetDevice) NumQueues() int       { return 2 } // 0: rx, 1: tx
func (n *NetDevice) QueueSize(int) uint16 { return 256 }

// Config returns the virtio-net config space: 6-byte MAC followed by a
// 2-byte link-status field (always "up").
func (n *NetDevice) Config() []byte {
	buf := make([]byte, 8)
	copy(buf[0:6], n.mac[:])
	buf[6] = 1 // VIRTIO_NET_S_LINK_UP
	return buf
}

// StartRxLoop begins polling the tap device for inbound frames, pushing
// each into the rx queue and invoking notify (which should raise the
// transport's used-buffer interrupt) once a frame is delivered. Polls
// rather than blocking on the tap fd directly, since this device has no
// epoll integration of its own.
func (n *NetDevice) StartRxLoop(rxQueue *Queue, notify func()) {
	n.mu.Lock()
	if n.stopCh != nil {
		n.mu.Unlock()
		return
	}
	n.rxQueue = rxQueue
	n.notify = notify
	n.stopCh = make(chan struct{})
	n.doneCh = make(chan struct{})
	n.mu.Unlock()

	go n.rxLoop()
}

func (n *NetDevice) rxLoop() {
	defer close(n.doneCh)
	log := obs.L().WithField("device", "virtio-net")
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		rxBw, rxOps := n.rxLimiters()
		if (rxBw != nil && rxBw.IsBlocked()) || (rxOps != nil && rxOps.IsBlocked()) {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		packet, err := n.tap.ReadPacket()
		if err != nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if len(packet) == 0 {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		n.mu.Lock()
		q := n.rxQueue
		notify := n.notify
		n.mu.Unlock()
		if q == nil {
			continue
		}

		chain, ok, err := q.PopAvail()
		if err != nil {
			log.WithError(err).Warn("rx queue read failed")
			continue
		}
		if !ok {
			continue // driver has no rx buffers posted; drop the frame
		}
		if err := n.deliverFrame(q, chain, packet); err != nil {
			log.WithError(err).Warn("rx delivery failed")
			continue
		}
		if notify != nil {
			notify()
		}

		if rxBw != nil && !rxBw.Consume(uint64(len(packet)), ratelimiter.Bytes) {
			obs.Metrics.RateLimiterThrottled.WithLabelValues("virtio-net", "rx-bytes").Inc()
		}
		if rxOps != nil && !rxOps.Consume(1, ratelimiter.Ops) {
			obs.Metrics.RateLimiterThrottled.WithLabelValues("virtio-net", "rx-ops").Inc()
		}
	}
}

func (n *NetDevice) deliverFrame(q *Queue, chain Chain, packet []byte) error {
	if len(chain.Descs) == 0 {
		return nil
	}
	hdr := make([]byte, netHeaderLen)
	framed := append(hdr, packet...)

	var written int
	for _, d := range chain.Descs {
		if written >= len(framed) {
			break
		}
		n, err := q.WriteFrom(d, framed[written:])
		if err != nil {
			return err
		}
		written += n
	}
	return q.PushUsed(chain.Head, uint32(written))
}

// StopRxLoop stops the polling goroutine and waits for it to exit.
func (n *NetDevice) StopRxLoop() {
	n.mu.Lock()
	stopCh := n.stopCh
	doneCh := n.doneCh
	n.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
	}
}

// SetTxRateLimiters installs (or clears, if nil) the bandwidth and ops
// token buckets metering this device's outbound (tx) traffic, per the net
// rate-limiter hot-update operation.
func (n *NetDevice) SetTxRateLimiters(bw, ops *ratelimiter.RateLimiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.txBwLimiter = bw
	n.txOpsLimiter = ops
}

// SetRxRateLimiters installs (or clears, if nil) the bandwidth and ops
// token buckets metering this device's inbound (rx) traffic.
func (n *NetDevice) SetRxRateLimiters(bw, ops *ratelimiter.RateLimiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rxBwLimiter = bw
	n.rxOpsLimiter = ops
}

func (n *NetDevice) limiters() (bw, ops *ratelimiter.RateLimiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.txBwLimiter, n.txOpsLimiter
}

func (n *NetDevice) rxLimiters() (bw, ops *ratelimiter.RateLimiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rxBwLimiter, n.rxOpsLimiter
}

// ProcessQueue handles the tx queue (sel 1); the rx queue (sel 0) is
// driven asynchronously by rxLoop instead, since it has no driver
// notification to respond to.
func (n *NetDevice) ProcessQueue(sel int, q *Queue) (bool, error) {
	if sel != 1 {
		return false, nil
	}
	var raised bool
	for {
		bw, ops := n.limiters()
		if (bw != nil && bw.IsBlocked()) || (ops != nil && ops.IsBlocked()) {
			return raised, nil
		}
		chain, ok, err := q.PopAvail()
		if err != nil {
			return raised, err
		}
		if !ok {
			return raised, nil
		}
		if err := n.sendFrame(q, chain); err != nil {
			return raised, err
		}
		raised = true
	}
}

func (n *NetDevice) sendFrame(q *Queue, chain Chain) error {
	var frame []byte
	for _, d := range chain.Descs {
		buf := make([]byte, d.Len)
		nr, err := q.ReadInto(d, buf)
		if err != nil {
			return err
		}
		frame = append(frame, buf[:nr]...)
	}
	if len(frame) > netHeaderLen {
		frame = frame[netHeaderLen:]
	}
	if err := n.tap.WritePacket(frame); err != nil {
		obs.L().WithError(err).WithField("device", "virtio-net").Warn("tap write failed")
	}

	bw, ops := n.limiters()
	if bw != nil && !bw.Consume(uint64(len(frame)), ratelimiter.Bytes) {
		obs.Metrics.RateLimiterThrottled.WithLabelValues("virtio-net", "bytes").Inc()
	}
	if ops != nil && !ops.Consume(1, ratelimiter.Ops) {
		obs.Metrics.RateLimiterThrottled.WithLabelValues("virtio-net", "ops").Inc()
	}

	return q.PushUsed(chain.Head, 0)
}
