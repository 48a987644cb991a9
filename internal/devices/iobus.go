package devices

import (
	"fmt"
	"sort"

	"github.com/go-microvm/vmm/internal/obs"
)

// PioDevice is a device attached to the port I/O (or MMIO, for virtio)
// bus. HandleIO dispatches a single access at `port`, relative or
// absolute depending on the caller, sized `size` bytes.
type PioDevice interface {
	HandleIO(port uint16, direction uint8, size uint8, data []byte) error
}

// busRange is one registered device's address span. Ranges are kept
// sorted by Start so lookup is a binary search instead of a linear scan
// or a per-port map entry.
type busRange struct {
	start, end uint16 // inclusive
	device     PioDevice
}

// Bus routes port I/O to the device registered for the accessed address,
// via a sorted slice of address ranges instead of one map entry per port.
// The structure is built once at boot and is read-only afterward: lookups
// from the I/O thread and any vCPU thread need no external locking here,
// only whatever each device's own HandleIO does internally.
type Bus struct {
	ranges []busRange
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// RegisterDevice attaches `device` to the inclusive port range
// [startPort, endPort]. It returns an error if the range overlaps an
// already-registered range.
func (b *Bus) RegisterDevice(startPort, endPort uint16, device PioDevice) error {
	if device == nil {
		return fmt.Errorf("devices: cannot register a nil device for ports 0x%x-0x%x", startPort, endPort)
	}
	if endPort < startPort {
		return fmt.Errorf("devices: invalid range 0x%x-0x%x", startPort, endPort)
	}
	i := sort.Search(len(b.ranges), func(i int) bool { return b.ranges[i].start > startPort })
	if i > 0 && b.ranges[i-1].end >= startPort {
		return fmt.Errorf("devices: range 0x%x-0x%x overlaps existing range 0x%x-0x%x",
			startPort, endPort, b.ranges[i-1].start, b.ranges[i-1].end)
	}
	if i < len(b.ranges) && b.ranges[i].start <= endPort {
		return fmt.Errorf("devices: range 0x%x-0x%x overlaps existing range 0x%x-0x%x",
			startPort, endPort, b.ranges[i].start, b.ranges[i].end)
	}
	b.ranges = append(b.ranges, busRange{})
	copy(b.ranges[i+1:], b.ranges[i:])
	b.ranges[i] = busRange{start: startPort, end: endPort, device: device}
	return nil
}

// HandleIO looks up the device registered for `port` and dispatches the
// access to it. A port with no registered device is not an error: reads
// return zeros and writes are dropped, both counted as a bus miss, the
// same as a real machine's unclaimed I/O space.
func (b *Bus) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	i := sort.Search(len(b.ranges), func(i int) bool { return b.ranges[i].end >= port })
	if i < len(b.ranges) && b.ranges[i].start <= port {
		return b.ranges[i].device.HandleIO(port, direction, size, data)
	}
	obs.Metrics.BusMisses.Inc()
	if direction == IODirectionIn {
		for i := range data {
			data[i] = 0
		}
	}
	return nil
}
