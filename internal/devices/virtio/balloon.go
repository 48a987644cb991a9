package virtio

import (
	"encoding/binary"
	"sync"
	"time"
)

// BalloonDevice is a virtio-balloon device: two mandatory queues
// (inflate, deflate) the driver uses to return/reclaim 4KiB guest pages,
// plus an optional stats queue used to report guest memory stats back to
// the host on a timer.
type BalloonDevice struct {
	mu sync.Mutex

	targetPages uint32 // 4KiB pages the driver should give back
	actualPages uint32 // pages currently given back, as last reported

	statsEnabled  bool
	statsInterval time.Duration
	stats         map[string]uint64
	statsTicker   *time.Ticker
	stopStats     chan struct{}

	onConfigChange func()
}

// NewBalloonDevice creates a balloon with no target and, if withStats,
// the optional stats virtqueue enabled.
func NewBalloonDevice(withStats bool) *BalloonDevice {
	b := &BalloonDevice{
		statsEnabled: withStats,
		stats:        make(map[string]uint64),
	}
	return b
}

func (b *BalloonDevice) DeviceID() uint32 { return DeviceIDBalloon }

func (b *BalloonDevice) NumQueues() int {
	if b.statsEnabled {
		return 3
	}
	return 2
}

func (b *BalloonDevice) QueueSize(int) uint16 { return 128 }

// Config returns the virtio-balloon config space: target pages followed
// by actual pages, both little-endian u32.
func (b *BalloonDevice) Config() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], b.targetPages)
	binary.LittleEndian.PutUint32(buf[4:8], b.actualPages)
	return buf
}

// SetOnConfigChange registers the callback used to raise a config-change
// interrupt after UpdateTarget, wired by the VM to the owning transport.
func (b *BalloonDevice) SetOnConfigChange(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConfigChange = fn
}

// UpdateTarget rewrites the requested balloon size and notifies the
// guest via a config-change interrupt. targetPages is in 4KiB pages and is
// not checked here against the guest's total memory; the caller checks
// that against the VM's configured memory size.
func (b *BalloonDevice) UpdateTarget(targetPages uint32) {
	b.mu.Lock()
	b.targetPages = targetPages
	cb := b.onConfigChange
	b.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// StatsEnabled reports whether this balloon was configured with the
// stats virtqueue.
func (b *BalloonDevice) StatsEnabled() bool { return b.statsEnabled }

// TargetMiB returns the currently requested balloon size in MiB.
func (b *BalloonDevice) TargetMiB() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.targetPages / 256
}

// Stats returns the most recently reported guest memory statistics.
func (b *BalloonDevice) Stats() map[string]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]uint64, len(b.stats))
	for k, v := range b.stats {
		out[k] = v
	}
	return out
}

// UpdateStatsInterval reprograms how often the stats queue is polled.
// Callers must reject this when StatsEnabled is false.
func (b *BalloonDevice) UpdateStatsInterval(interval time.Duration, onTick func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statsTicker != nil {
		b.statsTicker.Stop()
		close(b.stopStats)
	}
	b.statsInterval = interval
	if interval <= 0 {
		b.statsTicker = nil
		return
	}
	b.statsTicker = time.NewTicker(interval)
	b.stopStats = make(chan struct{})
	ticker := b.statsTicker
	stop := b.stopStats
	go func() {
		for {
			select {
			case <-ticker.C:
				if onTick != nil {
					onTick()
				}
			case <-stop:
				return
			}
		}
	}()
}

// balloonStatTags mirrors the VIRTIO_BALLOON_S_* tag order the guest
// driver emits stats in.
var balloonStatTags = []string{"swap-in", "swap-out", "major-faults", "minor-faults", "free-memory", "total-memory", "available-memory"}

// ProcessQueue handles inflate (0), deflate (1), and, if enabled, the
// stats queue (2). Inflate/deflate entries are 4-byte page-frame-number
// arrays; this model only tracks the reported page counts, since it does
// not itself decommit host memory.
func (b *BalloonDevice) ProcessQueue(sel int, q *Queue) (bool, error) {
	switch sel {
	case 0, 1:
		return b.processPFNQueue(sel, q)
	case 2:
		return b.processStatsQueue(q)
	default:
		return false, nil
	}
}

func (b *BalloonDevice) processPFNQueue(sel int, q *Queue) (bool, error) {
	var processed bool
	for {
		chain, ok, err := q.PopAvail()
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		processed = true
		var pages uint32
		for _, d := range chain.Descs {
			pages += d.Len / 4
		}
		b.mu.Lock()
		if sel == 0 {
			b.actualPages += pages
		} else if b.actualPages >= pages {
			b.actualPages -= pages
		}
		b.mu.Unlock()
		if err := q.PushUsed(chain.Head, 0); err != nil {
			return processed, err
		}
	}
}

func (b *BalloonDevice) processStatsQueue(q *Queue) (bool, error) {
	chain, ok, err := q.PopAvail()
	if err != nil || !ok {
		return false, err
	}
	newStats := make(map[string]uint64)
	for _, d := range chain.Descs {
		buf := make([]byte, d.Len)
		n, err := q.ReadInto(d, buf)
		if err != nil {
			return false, err
		}
		for off := 0; off+10 <= n; off += 10 {
			tag := binary.LittleEndian.Uint16(buf[off : off+2])
			val := binary.LittleEndian.Uint64(buf[off+2 : off+10])
			if int(tag) < len(balloonStatTags) {
				newStats[balloonStatTags[tag]] = val
			}
		}
	}
	b.mu.Lock()
	b.stats = newStats
	b.mu.Unlock()
	return true, q.PushUsed(chain.Head, 0)
}
