package virtio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/go-microvm/vmm/internal/obs"
	"github.com/go-microvm/vmm/internal/ratelimiter"
)

const (
	blkTypeIn    = 0
	blkTypeOut   = 1
	blkTypeFlush = 4

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2

	sectorSize = 512
)

// BlockDevice is a virtio-blk device backed by a single host file, opened
// read-write unless ReadOnly is set. SwapFile swaps its backing file
// at runtime, keeping the old fd open
// until the new one is installed so in-flight requests never see a
// half-swapped file.
type BlockDevice struct {
	mu       sync.RWMutex
	file     *os.File
	readOnly bool
	id       string

	bwLimiter  *ratelimiter.RateLimiter
	opsLimiter *ratelimiter.RateLimiter
}

// NewBlockDevice opens path and wraps it as a virtio-blk backing store.
func NewBlockDevice(path string, readOnly bool, id string) (*BlockDevice, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("virtio/block: open %s: %w", path, err)
	}
	return &BlockDevice{file: f, readOnly: readOnly, id: id}, nil
}

// PathOnHost and ReadOnly expose the device's current backing file
// identity for the snapshot engine's VmInfo inventory.
func (b *BlockDevice) PathOnHost() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.file.Name()
}

func (b *BlockDevice) ReadOnly() bool { return b.readOnly }

func (b *BlockDevice) DeviceID() uint32 { return DeviceIDBlock }
func (b *BlockDevice) NumQueues() int   { return 1 }
func (b *BlockDevice) QueueSize(int) uint16 { return 256 }

// Config returns the virtio-blk config space: an 8-byte little-endian
// sector count.
func (b *BlockDevice) Config() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	buf := make([]byte, 8)
	info, err := b.file.Stat()
	if err == nil {
		binary.LittleEndian.PutUint64(buf, uint64(info.Size())/sectorSize)
	}
	return buf
}

// SwapFile replaces the backing file: the
// old file descriptor stays open (and usable by any request already
// underway) until this call returns, at which point new requests use the
// new file.
func (b *BlockDevice) SwapFile(newPath string) error {
	flag := os.O_RDWR
	if b.readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(newPath, flag, 0)
	if err != nil {
		return fmt.Errorf("virtio/block: swap open %s: %w", newPath, err)
	}
	b.mu.Lock()
	old := b.file
	b.file = f
	b.mu.Unlock()
	return old.Close()
}

// SetRateLimiters installs (or clears, if nil) the bandwidth and ops token
// buckets metering this device's requests, per the block rate-limiter
// hot-update operation.
func (b *BlockDevice) SetRateLimiters(bw, ops *ratelimiter.RateLimiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bwLimiter = bw
	b.opsLimiter = ops
}

func (b *BlockDevice) limiters() (bw, ops *ratelimiter.RateLimiter) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bwLimiter, b.opsLimiter
}

// ProcessQueue handles every available request: a 16-byte header
// descriptor, a data descriptor, and a 1-byte status descriptor, per the
// virtio-blk request layout. A blocked rate limiter stops further chains
// from being popped off the avail ring until its timerfd fires; the
// chain already popped and in flight always completes.
func (b *BlockDevice) ProcessQueue(sel int, q *Queue) (bool, error) {
	var processed bool
	for {
		bw, ops := b.limiters()
		if (bw != nil && bw.IsBlocked()) || (ops != nil && ops.IsBlocked()) {
			return processed, nil
		}
		chain, ok, err := q.PopAvail()
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		processed = true
		if err := b.handleRequest(q, chain); err != nil {
			return processed, err
		}
	}
}

func (b *BlockDevice) handleRequest(q *Queue, chain Chain) error {
	if len(chain.Descs) < 3 {
		return fmt.Errorf("virtio/block: malformed request chain (%d descriptors)", len(chain.Descs))
	}
	header := chain.Descs[0]
	data := chain.Descs[1 : len(chain.Descs)-1]
	statusDesc := chain.Descs[len(chain.Descs)-1]

	hdrBuf := make([]byte, 16)
	if _, err := q.ReadInto(header, hdrBuf); err != nil {
		return err
	}
	reqType := binary.LittleEndian.Uint32(hdrBuf[0:4])
	sector := binary.LittleEndian.Uint64(hdrBuf[8:16])

	status := byte(blkStatusOK)
	var totalLen uint32 = 1

	b.mu.RLock()
	file := b.file
	b.mu.RUnlock()

	switch reqType {
	case blkTypeIn:
		for _, d := range data {
			buf := make([]byte, d.Len)
			n, err := file.ReadAt(buf, int64(sector)*sectorSize)
			if err != nil && n == 0 {
				status = blkStatusIOErr
				break
			}
			if _, err := q.WriteFrom(d, buf[:n]); err != nil {
				return err
			}
			sector += uint64(n) / sectorSize
			totalLen += uint32(n)
		}
	case blkTypeOut:
		if b.readOnly {
			status = blkStatusIOErr
			break
		}
		for _, d := range data {
			buf := make([]byte, d.Len)
			n, err := q.ReadInto(d, buf)
			if err != nil {
				return err
			}
			if _, err := file.WriteAt(buf[:n], int64(sector)*sectorSize); err != nil {
				status = blkStatusIOErr
				break
			}
			sector += uint64(n) / sectorSize
		}
	case blkTypeFlush:
		if err := file.Sync(); err != nil {
			status = blkStatusIOErr
		}
	default:
		status = blkStatusUnsupp
	}

	if _, err := q.WriteFrom(statusDesc, []byte{status}); err != nil {
		return err
	}

	bw, ops := b.limiters()
	if bw != nil && !bw.Consume(uint64(totalLen), ratelimiter.Bytes) {
		obs.Metrics.RateLimiterThrottled.WithLabelValues(b.id, "bytes").Inc()
	}
	if ops != nil && !ops.Consume(1, ratelimiter.Ops) {
		obs.Metrics.RateLimiterThrottled.WithLabelValues(b.id, "ops").Inc()
	}

	return q.PushUsed(chain.Head, totalLen)
}

// Close releases the backing file.
func (b *BlockDevice) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}
