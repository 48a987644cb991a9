package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/go-microvm/vmm/internal/memory"
)

// virtio-mmio v2 register offsets, per the OASIS virtio 1.x spec §4.2.2.
const (
	regMagicValue        = 0x000
	regVersion            = 0x004
	regDeviceID           = 0x008
	regVendorID           = 0x00c
	regDeviceFeatures     = 0x010
	regDeviceFeaturesSel  = 0x014
	regDriverFeatures     = 0x020
	regDriverFeaturesSel  = 0x024
	regQueueSel           = 0x030
	regQueueNumMax        = 0x034
	regQueueNum           = 0x038
	regQueueReady         = 0x044
	regQueueNotify        = 0x050
	regInterruptStatus    = 0x060
	regInterruptACK       = 0x064
	regStatus             = 0x070
	regQueueDescLow       = 0x080
	regQueueDescHigh      = 0x084
	regQueueAvailLow      = 0x090
	regQueueAvailHigh     = 0x094
	regQueueUsedLow       = 0x0a0
	regQueueUsedHigh      = 0x0a4
	regConfigGeneration   = 0x0fc
	regConfigSpace        = 0x100

	magicValue  = 0x74726976 // "virt"
	mmioVersion = 2
	vendorID    = 0x4d4f4356 // "VCOM", this VMM's vendor tag

	// InterruptStatus bits.
	IntrUsedBuffer  = 1 << 0
	IntrConfigChange = 1 << 1

	maxQueueSize = 256
)

// MMIOTransport is the fixed-length register window one virtio device is
// mapped behind, owning its queues and feature/status negotiation state.
// QueueNotify writes hit NotifyFD instead of calling the device directly,
// so the vCPU thread handling the MMIO exit never blocks on device work;
// the I/O thread drains NotifyFD and calls ProcessQueue.
type MMIOTransport struct {
	mu sync.Mutex

	mem    *memory.Space
	device Device
	queues []*Queue

	deviceFeatures uint64
	driverFeatures uint64
	featuresSel    uint32

	queueSel          uint32
	queueDescAddr     [2]uint32 // per queueSel: low, high halves pending assembly
	queueAvailAddr    [2]uint32
	queueUsedAddr     [2]uint32
	queueReady        []bool

	status            uint32
	interruptStatus   uint32
	configGeneration  uint32

	notifyFD int

	OnInterrupt func(status uint32)
}

// NewMMIOTransport builds a transport for device over mem, with one Queue
// slot per device.NumQueues().
func NewMMIOTransport(mem *memory.Space, device Device) (*MMIOTransport, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("virtio: eventfd: %w", err)
	}
	n := device.NumQueues()
	t := &MMIOTransport{
		mem:        mem,
		device:     device,
		queues:     make([]*Queue, n),
		queueReady: make([]bool, n),
		notifyFD:   fd,
		// This VMM offers VIRTIO_F_VERSION_1 only; legacy guests are out of scope.
		deviceFeatures: 1 << 32,
	}
	for i := range t.queues {
		t.queues[i] = NewQueue(mem, device.QueueSize(i))
	}
	return t, nil
}

// NotifyFD returns the eventfd the I/O thread should subscribe to; a
// readable event means one or more queues may have new work.
func (t *MMIOTransport) NotifyFD() int { return t.notifyFD }

// Drain acknowledges the notify eventfd and runs ProcessQueue across every
// ready queue, raising IntrUsedBuffer if any device reports new used
// entries.
func (t *MMIOTransport) Drain() error {
	var buf [8]byte
	for {
		_, err := unix.Read(t.notifyFD, buf[:])
		if err != nil {
			break // EAGAIN: drained
		}
	}
	t.mu.Lock()
	queues := make([]*Queue, len(t.queues))
	ready := make([]bool, len(t.queueReady))
	copy(queues, t.queues)
	copy(ready, t.queueReady)
	t.mu.Unlock()

	var raise bool
	for sel, q := range queues {
		if !ready[sel] {
			continue
		}
		notify, err := t.device.ProcessQueue(sel, q)
		if err != nil {
			return fmt.Errorf("virtio: queue %d: %w", sel, err)
		}
		if notify {
			raise = true
		}
	}
	if raise {
		t.raiseInterrupt(IntrUsedBuffer)
	}
	return nil
}

func (t *MMIOTransport) raiseInterrupt(bits uint32) {
	t.mu.Lock()
	t.interruptStatus |= bits
	cb := t.OnInterrupt
	status := t.interruptStatus
	t.mu.Unlock()
	if cb != nil {
		cb(status)
	}
}

// HandleMMIO implements devices.MmioDevice; addr is relative to the
// transport's base (the caller is expected to have subtracted it).
func (t *MMIOTransport) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	off := addr
	if off >= regConfigSpace {
		cfg := t.device.Config()
		rel := off - regConfigSpace
		if isWrite {
			return fmt.Errorf("virtio: config space is read-only in this model")
		}
		for i := range data {
			if int(rel)+i < len(cfg) {
				data[i] = cfg[int(rel)+i]
			} else {
				data[i] = 0
			}
		}
		return nil
	}

	if isWrite {
		return t.writeRegLocked(uint32(off), data)
	}
	return t.readRegLocked(uint32(off), data)
}

func (t *MMIOTransport) readRegLocked(off uint32, data []byte) error {
	var v uint32
	switch off {
	case regMagicValue:
		v = magicValue
	case regVersion:
		v = mmioVersion
	case regDeviceID:
		v = t.device.DeviceID()
	case regVendorID:
		v = vendorID
	case regDeviceFeatures:
		if t.featuresSel == 0 {
			v = uint32(t.deviceFeatures)
		} else {
			v = uint32(t.deviceFeatures >> 32)
		}
	case regQueueNumMax:
		v = maxQueueSize
	case regQueueReady:
		if int(t.queueSel) < len(t.queueReady) && t.queueReady[t.queueSel] {
			v = 1
		}
	case regInterruptStatus:
		v = t.interruptStatus
	case regStatus:
		v = t.status
	case regConfigGeneration:
		v = t.configGeneration
	default:
		v = 0
	}
	putReg(data, v)
	return nil
}

func (t *MMIOTransport) writeRegLocked(off uint32, data []byte) error {
	v := getReg(data)
	switch off {
	case regDeviceFeaturesSel:
		t.featuresSel = v
	case regDriverFeaturesSel:
		t.featuresSel = v
	case regDriverFeatures:
		if t.featuresSel == 0 {
			t.driverFeatures = t.driverFeatures&^0xFFFFFFFF | uint64(v)
		} else {
			t.driverFeatures = t.driverFeatures&0xFFFFFFFF | uint64(v)<<32
		}
	case regQueueSel:
		if int(v) < len(t.queues) {
			t.queueSel = v
		}
	case regQueueNum:
		if int(t.queueSel) < len(t.queues) && v > 0 && v <= maxQueueSize {
			t.queues[t.queueSel].Size = uint16(v)
		}
	case regQueueReady:
		if int(t.queueSel) < len(t.queueReady) {
			ready := v != 0
			t.queueReady[t.queueSel] = ready
			if ready {
				q := t.queues[t.queueSel]
				desc := uint64(t.queueDescAddr[1])<<32 | uint64(t.queueDescAddr[0])
				avail := uint64(t.queueAvailAddr[1])<<32 | uint64(t.queueAvailAddr[0])
				used := uint64(t.queueUsedAddr[1])<<32 | uint64(t.queueUsedAddr[0])
				q.SetAddresses(desc, avail, used)
				q.Ready = true
			}
		}
	case regQueueNotify:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], 1)
		_, _ = unix.Write(t.notifyFD, buf[:])
	case regInterruptACK:
		t.interruptStatus &^= v
	case regStatus:
		t.status = v
	case regQueueDescLow:
		t.queueDescAddr[0] = v
	case regQueueDescHigh:
		t.queueDescAddr[1] = v
	case regQueueAvailLow:
		t.queueAvailAddr[0] = v
	case regQueueAvailHigh:
		t.queueAvailAddr[1] = v
	case regQueueUsedLow:
		t.queueUsedAddr[0] = v
	case regQueueUsedHigh:
		t.queueUsedAddr[1] = v
	}
	return nil
}

func putReg(data []byte, v uint32) {
	switch len(data) {
	case 1:
		data[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(v))
	default:
		binary.LittleEndian.PutUint32(data, v)
	}
}

func getReg(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(data))
	default:
		return binary.LittleEndian.Uint32(data)
	}
}

// RxQueue returns queue 0, the receive queue by convention for every
// device in this package that has one (net, vsock).
func (t *MMIOTransport) RxQueue() *Queue {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queues[0]
}

// NotifyUsedBuffer raises IntrUsedBuffer, for devices that deliver data
// asynchronously (outside a driver-initiated ProcessQueue call) and must
// notify the guest themselves once they have pushed used entries.
func (t *MMIOTransport) NotifyUsedBuffer() {
	t.raiseInterrupt(IntrUsedBuffer)
}

// RaiseConfigChange signals a device-initiated configuration change (e.g.
// balloon target update, block path swap).
func (t *MMIOTransport) RaiseConfigChange() {
	t.mu.Lock()
	t.configGeneration++
	t.mu.Unlock()
	t.raiseInterrupt(IntrConfigChange)
}

// Close releases the notify eventfd.
func (t *MMIOTransport) Close() error {
	return unix.Close(t.notifyFD)
}
