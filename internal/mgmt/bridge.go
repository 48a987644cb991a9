package mgmt

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/go-microvm/vmm/internal/ioevent"
	"github.com/go-microvm/vmm/internal/obs"
	"github.com/go-microvm/vmm/internal/ratelimiter"
)

// VMController is the narrow surface of the running microVM the bridge
// needs to satisfy the control-plane socket's typed requests. A thin
// adapter in the vmm package implements this over *vmm.VirtualMachine so
// this package never imports internal/vmm directly.
type VMController interface {
	Pause() error
	Resume() error
	SendCtrlAltDel()
	InstanceInfo() InstanceInfoView
	BalloonConfig() (BalloonConfigView, bool)
	BalloonStats() (map[string]uint64, bool)
	UpdateBalloonTarget(targetMiB uint32) error
	UpdateBalloonStatsInterval(interval time.Duration) error
	UpdateBlockDevicePath(id, newPath string) error
	UpdateBlockRateLimiter(id string, bw, ops ratelimiter.BucketUpdate) error
	UpdateNetRateLimiters(id string, rxBw, rxOps, txBw, txOps ratelimiter.BucketUpdate) error
	Stop()
}

// SnapshotEngine is the narrow surface CreateSnapshot/LoadSnapshot need.
// Implemented by internal/snapshot.Engine.
type SnapshotEngine interface {
	Save(statePath, memPath string, diff bool) error
	Load(statePath, memPath string) error
}

// Bridge is the control-plane <-> VMM/I/O thread link: two unbounded
// queues plus an eventfd the VMM thread's epoll set watches. SendRequest
// (called from the control-plane thread) and Dispatch (called from the
// VMM thread when the eventfd fires) are the only two entry points.
type Bridge struct {
	toVMM *unboundedQueue[Request]
	toAPI *unboundedQueue[Response]

	eventFD int

	vm       VMController
	snapshot SnapshotEngine

	shutdownCh chan struct{}
}

// New creates a bridge wired to vm and snap. snap may be nil if the
// caller never issues CreateSnapshot/LoadSnapshot requests.
func New(vm VMController, snap SnapshotEngine) (*Bridge, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("mgmt: creating bridge eventfd: %w", err)
	}
	return &Bridge{
		toVMM:      newUnboundedQueue[Request](),
		toAPI:      newUnboundedQueue[Response](),
		eventFD:    fd,
		vm:         vm,
		snapshot:   snap,
		shutdownCh: make(chan struct{}),
	}, nil
}

// EventFD is the fd to register with the VMM thread's ioevent.Manager.
func (b *Bridge) EventFD() int { return b.eventFD }

// ShutdownCh closes once a ShutdownInternal request has been dispatched,
// letting main() join the VMM teardown deterministically.
func (b *Bridge) ShutdownCh() <-chan struct{} { return b.shutdownCh }

// SendRequest is called from the control-plane (HTTP handler) thread. It
// enqueues req, wakes the VMM thread, and blocks for the matching
// Response. Requests from the control plane are serialized by this
// package's caller (the HTTP adapter holds one Bridge and dispatches
// requests one at a time), matching the "exactly one in flight" ordering
// guarantee.
func (b *Bridge) SendRequest(req Request) Response {
	b.toVMM.Push(req)
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(b.eventFD, one[:])
	resp, ok := b.toAPI.Pop()
	if !ok {
		return Response{Err: fmt.Errorf("mgmt: bridge closed before response arrived")}
	}
	return resp
}

// Process implements ioevent.Subscriber: draining the eventfd and
// dispatching every queued request. Registered on the VMM thread's epoll
// set at boot.
func (b *Bridge) Process(fd int, events uint32, ops *ioevent.Ops) {
	var buf [8]byte
	_, _ = unix.Read(b.eventFD, buf[:])
	b.Dispatch()
}

// Dispatch drains every request currently queued and answers each on
// toAPI. A Pause request additionally switches this call into a blocking
// sub-loop that only services further bridge requests — no device or
// vCPU progress happens — until Resume or ShutdownInternal arrives,
// mirroring the real control plane's "pause freezes everything but the
// control channel" behavior. Dispatch therefore does not return while
// paused, which is why it must never be called from anywhere but the
// VMM/I/O thread: returning control to that thread's epoll loop is
// exactly what staying paused requires withholding.
func (b *Bridge) Dispatch() {
	for {
		req, ok := b.toVMM.TryPop()
		if !ok {
			return
		}
		isPause := req.Kind == ReqPause
		resp := b.handle(req)
		b.toAPI.Push(resp)

		if isPause {
			b.pauseLoop()
		}
	}
}

func (b *Bridge) pauseLoop() {
	for {
		req, ok := b.toVMM.Pop()
		if !ok {
			return
		}
		isResume := req.Kind == ReqResume
		isShutdown := req.Kind == ReqShutdownInternal
		resp := b.handle(req)
		b.toAPI.Push(resp)
		if isResume || isShutdown {
			return
		}
	}
}

func (b *Bridge) handle(req Request) Response {
	switch req.Kind {
	case ReqPause:
		return Response{Err: b.vm.Pause()}
	case ReqResume:
		return Response{Err: b.vm.Resume()}
	case ReqSendCtrlAltDel:
		b.vm.SendCtrlAltDel()
		return Response{}
	case ReqGetInstanceInfo:
		return Response{InstanceInfo: b.vm.InstanceInfo()}
	case ReqGetBalloonConfig:
		cfg, ok := b.vm.BalloonConfig()
		if !ok {
			return Response{Err: fmt.Errorf("mgmt: no balloon device attached")}
		}
		return Response{BalloonConfig: cfg}
	case ReqGetBalloonStats:
		stats, ok := b.vm.BalloonStats()
		if !ok {
			return Response{Err: fmt.Errorf("mgmt: no balloon stats available")}
		}
		return Response{BalloonStats: stats}
	case ReqUpdateBalloon:
		return Response{Err: b.vm.UpdateBalloonTarget(req.BalloonTargetMiB)}
	case ReqUpdateBalloonStatsInterval:
		return Response{Err: b.vm.UpdateBalloonStatsInterval(req.BalloonStatsInterval)}
	case ReqUpdateBlockDevicePath:
		return Response{Err: b.vm.UpdateBlockDevicePath(req.DriveID, req.NewPath)}
	case ReqUpdateBlockRateLimiter:
		return Response{Err: b.vm.UpdateBlockRateLimiter(req.DriveID, req.BlockBandwidth, req.BlockOps)}
	case ReqUpdateNetRateLimiters:
		return Response{Err: b.vm.UpdateNetRateLimiters(req.NetDeviceID, req.RxBandwidth, req.RxOps, req.TxBandwidth, req.TxOps)}
	case ReqCreateSnapshot:
		if b.snapshot == nil {
			return Response{Err: fmt.Errorf("mgmt: snapshot engine not configured")}
		}
		return Response{Err: b.snapshot.Save(req.SnapshotStatePath, req.SnapshotMemPath, req.SnapshotDiff)}
	case ReqLoadSnapshot:
		if b.snapshot == nil {
			return Response{Err: fmt.Errorf("mgmt: snapshot engine not configured")}
		}
		if err := b.snapshot.Load(req.LoadStatePath, req.LoadMemPath); err != nil {
			return Response{Err: err}
		}
		if req.ResumeAfterLoad {
			return Response{Err: b.vm.Resume()}
		}
		return Response{}
	case ReqConfigureLogger:
		return Response{Err: configureLogger(req.LogPath, req.LogLevel)}
	case ReqConfigureMetrics:
		return Response{Err: fmt.Errorf("mgmt: metrics reconfiguration is process-wide and read-only after boot")}
	case ReqShutdownInternal:
		b.vm.Stop()
		close(b.shutdownCh)
		return Response{}
	default:
		return Response{Err: fmt.Errorf("mgmt: unknown request kind %d", req.Kind)}
	}
}

// configureLogger reopens the process-wide logger against a new output
// file and level, per the ConfigureLogger management request. An empty
// path leaves output on its current target.
func configureLogger(path, level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("mgmt: invalid log level %q: %w", level, err)
	}
	out := obs.L().Logger.Out
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("mgmt: opening log path %q: %w", path, err)
		}
		out = f
	}
	obs.Configure(out, lvl)
	return nil
}

// Close releases the bridge's eventfd and unblocks any blocked Pop.
func (b *Bridge) Close() error {
	b.toVMM.Close()
	b.toAPI.Close()
	return unix.Close(b.eventFD)
}
