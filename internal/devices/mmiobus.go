package devices

import (
	"fmt"
	"sort"
)

// MmioDevice is a device attached to the guest-physical MMIO bus (virtio
// transport windows, and any future memory-mapped device).
type MmioDevice interface {
	HandleMMIO(addr uint64, data []byte, isWrite bool) error
}

// mmioRange is one registered device's guest-physical address span,
// mirroring busRange's sorted-interval design over 64-bit addresses.
type mmioRange struct {
	start, end uint64 // inclusive
	device     MmioDevice
}

// MmioBus routes MMIO accesses to the device registered for the accessed
// address range. Built once at boot; read-only afterward.
type MmioBus struct {
	ranges []mmioRange
}

// NewMmioBus returns an empty MmioBus.
func NewMmioBus() *MmioBus {
	return &MmioBus{}
}

// RegisterDevice attaches `device` to the inclusive guest-physical range
// [start, end]. It returns an error if the range overlaps an
// already-registered range.
func (b *MmioBus) RegisterDevice(start, end uint64, device MmioDevice) error {
	if device == nil {
		return fmt.Errorf("devices: cannot register a nil MMIO device for 0x%x-0x%x", start, end)
	}
	if end < start {
		return fmt.Errorf("devices: invalid MMIO range 0x%x-0x%x", start, end)
	}
	i := sort.Search(len(b.ranges), func(i int) bool { return b.ranges[i].start > start })
	if i > 0 && b.ranges[i-1].end >= start {
		return fmt.Errorf("devices: MMIO range 0x%x-0x%x overlaps existing range 0x%x-0x%x",
			start, end, b.ranges[i-1].start, b.ranges[i-1].end)
	}
	if i < len(b.ranges) && b.ranges[i].start <= end {
		return fmt.Errorf("devices: MMIO range 0x%x-0x%x overlaps existing range 0x%x-0x%x",
			start, end, b.ranges[i].start, b.ranges[i].end)
	}
	b.ranges = append(b.ranges, mmioRange{})
	copy(b.ranges[i+1:], b.ranges[i:])
	b.ranges[i] = mmioRange{start: start, end: end, device: device}
	return nil
}

// HandleMMIO looks up the device registered for addr and dispatches the
// access to it. ok is false if nothing is mapped there.
func (b *MmioBus) HandleMMIO(addr uint64, data []byte, isWrite bool) (ok bool, err error) {
	i := sort.Search(len(b.ranges), func(i int) bool { return b.ranges[i].end >= addr })
	if i < len(b.ranges) && b.ranges[i].start <= addr {
		return true, b.ranges[i].device.HandleMMIO(addr, data, isWrite)
	}
	return false, nil
}
