// Package virtio implements the virtio-MMIO transport and a handful of
// virtio 1.x devices (block, net, vsock, balloon, entropy) over split
// virtqueues backed directly by guest memory. The ring shapes below
// follow the OASIS virtio 1.x descriptor/avail/used table layout.
package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/go-microvm/vmm/internal/memory"
)

const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4

	descSize = 16 // addr(8) + len(4) + flags(2) + next(2)
)

// Desc is one descriptor-table entry: a guest-memory buffer plus chaining
// and direction flags.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Queue is one split virtqueue: a descriptor table and avail/used rings,
// all addressed directly in guest memory at addresses the driver writes
// into the transport's QueueDescLow/High etc. registers.
type Queue struct {
	mem  *memory.Space
	Size uint16

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	Ready bool

	lastAvailIdx uint16
	usedIdx      uint16
}

// NewQueue returns an unconfigured queue of the given (negotiated) size.
func NewQueue(mem *memory.Space, size uint16) *Queue {
	return &Queue{mem: mem, Size: size}
}

// SetAddresses records the guest-physical addresses of the three queue
// tables, as programmed by the driver through the MMIO register window.
func (q *Queue) SetAddresses(descAddr, availAddr, usedAddr uint64) {
	q.descAddr, q.availAddr, q.usedAddr = descAddr, availAddr, usedAddr
}

func (q *Queue) readDesc(idx uint16) (Desc, error) {
	buf, err := q.mem.Slice(q.descAddr+uint64(idx)*descSize, descSize)
	if err != nil {
		return Desc{}, fmt.Errorf("virtio: queue desc %d: %w", idx, err)
	}
	return Desc{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (q *Queue) availIdx() (uint16, error) {
	buf, err := q.mem.Slice(q.availAddr+2, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (q *Queue) availRing(i uint16) (uint16, error) {
	buf, err := q.mem.Slice(q.availAddr+4+uint64(i%q.Size)*2, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

// Chain is one popped descriptor chain: the head index (for PushUsed) and
// the ordered list of descriptors composing it.
type Chain struct {
	Head  uint16
	Descs []Desc
}

// PopAvail pops the next unconsumed entry off the avail ring, following
// its descriptor chain, or returns ok=false if the driver has queued
// nothing new.
func (q *Queue) PopAvail() (Chain, bool, error) {
	idx, err := q.availIdx()
	if err != nil {
		return Chain{}, false, err
	}
	if idx == q.lastAvailIdx {
		return Chain{}, false, nil
	}
	headIdx, err := q.availRing(q.lastAvailIdx)
	if err != nil {
		return Chain{}, false, err
	}
	q.lastAvailIdx++

	var descs []Desc
	next := headIdx
	for {
		d, err := q.readDesc(next)
		if err != nil {
			return Chain{}, false, err
		}
		descs = append(descs, d)
		if d.Flags&descFNext == 0 {
			break
		}
		next = d.Next
	}
	return Chain{Head: headIdx, Descs: descs}, true, nil
}

// PushUsed publishes a completed chain (by head descriptor index and
// total bytes written) on the used ring.
func (q *Queue) PushUsed(head uint16, length uint32) error {
	slot := q.usedAddr + 4 + uint64(q.usedIdx%q.Size)*8
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(head))
	binary.LittleEndian.PutUint32(buf[4:8], length)
	if err := q.mem.Write(slot, buf); err != nil {
		return fmt.Errorf("virtio: used ring write: %w", err)
	}
	q.usedIdx++
	idxBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(idxBuf, q.usedIdx)
	return q.mem.Write(q.usedAddr+2, idxBuf)
}

// ReadInto copies a descriptor's guest buffer into out, truncating to
// whichever is shorter.
func (q *Queue) ReadInto(d Desc, out []byte) (int, error) {
	n := int(d.Len)
	if n > len(out) {
		n = len(out)
	}
	if err := q.mem.Read(d.Addr, out[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// WriteFrom copies data into a writable descriptor's guest buffer,
// truncating to the descriptor's length.
func (q *Queue) WriteFrom(d Desc, data []byte) (int, error) {
	n := len(data)
	if n > int(d.Len) {
		n = int(d.Len)
	}
	if err := q.mem.Write(d.Addr, data[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// IsWritable reports whether the device is expected to write into d
// (device-to-driver direction).
func IsWritable(d Desc) bool { return d.Flags&descFWrite != 0 }
