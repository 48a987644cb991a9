// Package memory owns the guest's physical address space: the mmap'd
// backing regions handed to KVM via KVM_SET_USER_MEMORY_REGION. It keeps
// no dirty-page bitmap; the snapshot engine reads KVM's dirty log per slot
// when it saves a diff. Regions are addressed by slot so the snapshot
// engine can target them directly instead of reaching into
// VirtualMachine's fields.
package memory

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// Region is one guest-physical-address slot backed by anonymous host
// memory, as registered with KVM_SET_USER_MEMORY_REGION.
type Region struct {
	Slot      uint32
	GuestBase uint64
	Bytes     []byte // host-mapped backing memory
}

// End returns the exclusive end of the region's guest-physical range.
func (r Region) End() uint64 { return r.GuestBase + uint64(len(r.Bytes)) }

// Space is the full set of regions composing one guest's address space.
type Space struct {
	regions []Region
	nextSlot uint32
}

// NewSpace returns an empty address space.
func NewSpace() *Space {
	return &Space{}
}

// AddRegion mmaps `size` bytes of anonymous memory and records it as a new
// slot at `guestBase`. The caller is still responsible for calling
// KVM_SET_USER_MEMORY_REGION with the returned Region's fields.
func (s *Space) AddRegion(guestBase uint64, size uint64) (Region, error) {
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return Region{}, fmt.Errorf("memory: mmap %d bytes: %w", size, err)
	}
	r := Region{Slot: s.nextSlot, GuestBase: guestBase, Bytes: mem}
	s.nextSlot++
	s.regions = append(s.regions, r)
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].GuestBase < s.regions[j].GuestBase })
	return r, nil
}

// Regions returns every region, ordered by guest base address.
func (s *Space) Regions() []Region { return s.regions }

// TotalSize returns the sum of every region's length.
func (s *Space) TotalSize() uint64 {
	var total uint64
	for _, r := range s.regions {
		total += uint64(len(r.Bytes))
	}
	return total
}

// Write copies `data` into guest-physical memory starting at `addr`,
// finding whichever region contains it.
func (s *Space) Write(addr uint64, data []byte) error {
	r, off, err := s.find(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(r.Bytes[off:], data)
	return nil
}

// Read copies len(out) bytes from guest-physical memory starting at
// `addr` into `out`.
func (s *Space) Read(addr uint64, out []byte) error {
	r, off, err := s.find(addr, uint64(len(out)))
	if err != nil {
		return err
	}
	copy(out, r.Bytes[off:off+uint64(len(out))])
	return nil
}

// Slice returns a direct, mutable view of `length` bytes of guest-physical
// memory at `addr`, for device models that need to read/write guest
// buffers in place (e.g. virtqueue descriptor rings).
func (s *Space) Slice(addr uint64, length uint64) ([]byte, error) {
	r, off, err := s.find(addr, length)
	if err != nil {
		return nil, err
	}
	return r.Bytes[off : off+length], nil
}

func (s *Space) find(addr uint64, length uint64) (Region, uint64, error) {
	for _, r := range s.regions {
		if addr >= r.GuestBase && addr+length <= r.End() {
			return r, addr - r.GuestBase, nil
		}
	}
	return Region{}, 0, fmt.Errorf("memory: access [0x%x, 0x%x) outside any region", addr, addr+length)
}

// Close unmaps every region.
func (s *Space) Close() error {
	var firstErr error
	for _, r := range s.regions {
		if err := unix.Munmap(r.Bytes); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.regions = nil
	return firstErr
}
