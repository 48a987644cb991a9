package virtio

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/go-microvm/vmm/internal/obs"
)

// virtio-vsock packet header, 44 bytes, per the OASIS spec §5.10.6.
const vsockHeaderLen = 44

const (
	vsockOpRequest   = 1
	vsockOpResponse  = 2
	vsockOpRW        = 5
	vsockOpShutdown  = 6
	vsockOpReset     = 7
)

type vsockHeader struct {
	srcCID, dstCID   uint64
	srcPort, dstPort uint32
	length           uint32
	op               uint16
}

func parseVsockHeader(buf []byte) vsockHeader {
	return vsockHeader{
		srcCID:  binary.LittleEndian.Uint64(buf[0:8]),
		dstCID:  binary.LittleEndian.Uint64(buf[8:16]),
		srcPort: binary.LittleEndian.Uint32(buf[16:20]),
		dstPort: binary.LittleEndian.Uint32(buf[20:24]),
		length:  binary.LittleEndian.Uint32(buf[24:28]),
		op:      binary.LittleEndian.Uint16(buf[32:34]),
	}
}

func encodeVsockHeader(h vsockHeader, payload []byte) []byte {
	buf := make([]byte, vsockHeaderLen+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], h.srcCID)
	binary.LittleEndian.PutUint64(buf[8:16], h.dstCID)
	binary.LittleEndian.PutUint32(buf[16:20], h.srcPort)
	binary.LittleEndian.PutUint32(buf[20:24], h.dstPort)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[28:32], 1) // type: VIRTIO_VSOCK_TYPE_STREAM
	binary.LittleEndian.PutUint16(buf[32:34], h.op)
	copy(buf[44:], payload)
	return buf
}

type vsockConnKey struct {
	guestPort uint32
	hostPort  uint32
}

// VsockDevice is a virtio-vsock device bridging guest CONNECT requests to
// the single host-local Unix domain socket at udsPath: each CONNECT dials
// that path for a new connection, whatever its destination port.
type VsockDevice struct {
	mu       sync.Mutex
	guestCID uint32
	udsPath  string
	conns    map[vsockConnKey]net.Conn
	rxQueue  *Queue
	notify   func()
}

// NewVsockDevice creates a vsock device forwarding to udsPath, advertising
// guestCID in its config space.
func NewVsockDevice(guestCID uint32, udsPath string) *VsockDevice {
	return &VsockDevice{guestCID: guestCID, udsPath: udsPath, conns: make(map[vsockConnKey]net.Conn)}
}

func (v *VsockDevice) DeviceID() uint32     { return DeviceIDVsock }
func (v *VsockDevice) NumQueues() int       { return 3 } // 0: rx, 1: tx, 2: event
func (v *VsockDevice) QueueSize(int) uint16 { return 128 }

// Config returns the virtio-vsock config space: the guest's 8-byte CID.
func (v *VsockDevice) Config() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v.guestCID))
	return buf
}

// AttachRxQueue records the rx queue and interrupt callback used to
// deliver host->guest bytes asynchronously, mirroring NetDevice's rx
// wiring.
func (v *VsockDevice) AttachRxQueue(q *Queue, notify func()) {
	v.mu.Lock()
	v.rxQueue = q
	v.notify = notify
	v.mu.Unlock()
}

// ProcessQueue only handles the tx queue (sel 1); rx delivery happens
// out-of-band as host connections produce bytes, and the event queue
// (sel 2) is informational only in this model.
func (v *VsockDevice) ProcessQueue(sel int, q *Queue) (bool, error) {
	if sel != 1 {
		return false, nil
	}
	var raised bool
	for {
		chain, ok, err := q.PopAvail()
		if err != nil {
			return raised, err
		}
		if !ok {
			return raised, nil
		}
		if err := v.handleTx(q, chain); err != nil {
			obs.L().WithError(err).WithField("device", "virtio-vsock").Warn("tx packet failed")
		}
		raised = true
	}
}

func (v *VsockDevice) handleTx(q *Queue, chain Chain) error {
	var buf []byte
	for _, d := range chain.Descs {
		b := make([]byte, d.Len)
		n, err := q.ReadInto(d, b)
		if err != nil {
			return err
		}
		buf = append(buf, b[:n]...)
	}
	if len(buf) < vsockHeaderLen {
		return q.PushUsed(chain.Head, 0)
	}
	h := parseVsockHeader(buf)
	payload := buf[vsockHeaderLen:]
	key := vsockConnKey{guestPort: h.srcPort, hostPort: h.dstPort}

	switch h.op {
	case vsockOpRequest:
		conn, err := net.Dial("unix", v.udsPath)
		if err != nil {
			return q.PushUsed(chain.Head, 0)
		}
		v.mu.Lock()
		v.conns[key] = conn
		v.mu.Unlock()
		go v.pumpHostToGuest(key, conn, h)
		v.deliverResponse(h)
	case vsockOpRW:
		v.mu.Lock()
		conn := v.conns[key]
		v.mu.Unlock()
		if conn != nil {
			_, _ = conn.Write(payload)
		}
	case vsockOpShutdown, vsockOpReset:
		v.mu.Lock()
		conn := v.conns[key]
		delete(v.conns, key)
		v.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	}
	return q.PushUsed(chain.Head, 0)
}

func (v *VsockDevice) deliverResponse(h vsockHeader) {
	resp := vsockHeader{srcCID: h.dstCID, dstCID: h.srcCID, srcPort: h.dstPort, dstPort: h.srcPort, op: vsockOpResponse}
	v.deliverRx(resp, nil)
}

func (v *VsockDevice) pumpHostToGuest(key vsockConnKey, conn net.Conn, reqHdr vsockHeader) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			h := vsockHeader{srcCID: reqHdr.dstCID, dstCID: reqHdr.srcCID, srcPort: reqHdr.dstPort, dstPort: reqHdr.srcPort, op: vsockOpRW}
			v.deliverRx(h, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			h := vsockHeader{srcCID: reqHdr.dstCID, dstCID: reqHdr.srcCID, srcPort: reqHdr.dstPort, dstPort: reqHdr.srcPort, op: vsockOpShutdown}
			v.deliverRx(h, nil)
			v.mu.Lock()
			delete(v.conns, key)
			v.mu.Unlock()
			return
		}
	}
}

func (v *VsockDevice) deliverRx(h vsockHeader, payload []byte) {
	v.mu.Lock()
	q := v.rxQueue
	notify := v.notify
	v.mu.Unlock()
	if q == nil {
		return
	}
	chain, ok, err := q.PopAvail()
	if err != nil || !ok {
		return
	}
	framed := encodeVsockHeader(h, payload)
	var written int
	for _, d := range chain.Descs {
		if written >= len(framed) {
			break
		}
		n, err := q.WriteFrom(d, framed[written:])
		if err != nil {
			return
		}
		written += n
	}
	if err := q.PushUsed(chain.Head, uint32(written)); err == nil && notify != nil {
		notify()
	}
}

// Close tears down every proxied connection.
func (v *VsockDevice) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	var firstErr error
	for k, c := range v.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("virtio/vsock: closing conn %v: %w", k, err)
		}
	}
	v.conns = make(map[vsockConnKey]net.Conn)
	return firstErr
}
