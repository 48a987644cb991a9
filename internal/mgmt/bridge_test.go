package mgmt

import (
	"testing"
	"time"

	"github.com/go-microvm/vmm/internal/ratelimiter"
)

type fakeVM struct {
	paused  bool
	pauseErr error
	resumeErr error

	ctrlAltDels int

	info InstanceInfoView

	balloon    BalloonConfigView
	hasBalloon bool
	stats      map[string]uint64
	hasStats   bool

	lastTargetMiB uint32
	lastStatsInterval time.Duration
	lastDriveID, lastNewPath string
	lastBlockBW, lastBlockOps ratelimiter.BucketUpdate
	lastNetID string
	lastRxBW, lastRxOps, lastTxBW, lastTxOps ratelimiter.BucketUpdate

	stopped bool
}

func (f *fakeVM) Pause() error  { f.paused = true; return f.pauseErr }
func (f *fakeVM) Resume() error { f.paused = false; return f.resumeErr }
func (f *fakeVM) SendCtrlAltDel() { f.ctrlAltDels++ }
func (f *fakeVM) InstanceInfo() InstanceInfoView { return f.info }
func (f *fakeVM) BalloonConfig() (BalloonConfigView, bool) { return f.balloon, f.hasBalloon }
func (f *fakeVM) BalloonStats() (map[string]uint64, bool) { return f.stats, f.hasStats }
func (f *fakeVM) UpdateBalloonTarget(targetMiB uint32) error {
	f.lastTargetMiB = targetMiB
	return nil
}
func (f *fakeVM) UpdateBalloonStatsInterval(interval time.Duration) error {
	f.lastStatsInterval = interval
	return nil
}
func (f *fakeVM) UpdateBlockDevicePath(id, newPath string) error {
	f.lastDriveID, f.lastNewPath = id, newPath
	return nil
}
func (f *fakeVM) UpdateBlockRateLimiter(id string, bw, ops ratelimiter.BucketUpdate) error {
	f.lastDriveID, f.lastBlockBW, f.lastBlockOps = id, bw, ops
	return nil
}
func (f *fakeVM) UpdateNetRateLimiters(id string, rxBw, rxOps, txBw, txOps ratelimiter.BucketUpdate) error {
	f.lastNetID = id
	f.lastRxBW, f.lastRxOps, f.lastTxBW, f.lastTxOps = rxBw, rxOps, txBw, txOps
	return nil
}
func (f *fakeVM) Stop() { f.stopped = true }

type fakeSnapshot struct {
	saveErr, loadErr error
	savedState, savedMem string
	savedDiff bool
	loadedState, loadedMem string
}

func (f *fakeSnapshot) Save(statePath, memPath string, diff bool) error {
	f.savedState, f.savedMem, f.savedDiff = statePath, memPath, diff
	return f.saveErr
}
func (f *fakeSnapshot) Load(statePath, memPath string) error {
	f.loadedState, f.loadedMem = statePath, memPath
	return f.loadErr
}

func newTestBridge(t *testing.T) (*Bridge, *fakeVM, *fakeSnapshot) {
	t.Helper()
	vm := &fakeVM{}
	snap := &fakeSnapshot{}
	b, err := New(vm, snap)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, vm, snap
}

func TestBridgeHandlePause(t *testing.T) {
	b, vm, _ := newTestBridge(t)
	resp := b.handle(Request{Kind: ReqPause})
	if resp.Err != nil {
		t.Fatalf("Pause response err = %v", resp.Err)
	}
	if !vm.paused {
		t.Fatalf("vm.Pause() was not called")
	}
}

func TestBridgeHandleGetInstanceInfo(t *testing.T) {
	b, vm, _ := newTestBridge(t)
	vm.info = InstanceInfoView{State: "Running", VCPUCount: 2, MemorySizeBytes: 256 << 20}
	resp := b.handle(Request{Kind: ReqGetInstanceInfo})
	if resp.InstanceInfo != vm.info {
		t.Fatalf("InstanceInfo = %+v, want %+v", resp.InstanceInfo, vm.info)
	}
}

func TestBridgeHandleGetBalloonConfigMissing(t *testing.T) {
	b, _, _ := newTestBridge(t)
	resp := b.handle(Request{Kind: ReqGetBalloonConfig})
	if resp.Err == nil {
		t.Fatalf("expected error for missing balloon device")
	}
}

func TestBridgeHandleUpdateBalloon(t *testing.T) {
	b, vm, _ := newTestBridge(t)
	resp := b.handle(Request{Kind: ReqUpdateBalloon, BalloonTargetMiB: 64})
	if resp.Err != nil {
		t.Fatalf("UpdateBalloon err = %v", resp.Err)
	}
	if vm.lastTargetMiB != 64 {
		t.Fatalf("lastTargetMiB = %d, want 64", vm.lastTargetMiB)
	}
}

func TestBridgeHandleCreateSnapshotNoEngine(t *testing.T) {
	vm := &fakeVM{}
	b, err := New(vm, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close()
	resp := b.handle(Request{Kind: ReqCreateSnapshot})
	if resp.Err == nil {
		t.Fatalf("expected error with no snapshot engine configured")
	}
}

func TestBridgeHandleCreateSnapshot(t *testing.T) {
	b, _, snap := newTestBridge(t)
	resp := b.handle(Request{Kind: ReqCreateSnapshot, SnapshotStatePath: "/tmp/s", SnapshotMemPath: "/tmp/m", SnapshotDiff: true})
	if resp.Err != nil {
		t.Fatalf("CreateSnapshot err = %v", resp.Err)
	}
	if snap.savedState != "/tmp/s" || snap.savedMem != "/tmp/m" || !snap.savedDiff {
		t.Fatalf("snapshot save got (%q, %q, %v)", snap.savedState, snap.savedMem, snap.savedDiff)
	}
}

func TestBridgeHandleLoadSnapshotResumes(t *testing.T) {
	b, vm, _ := newTestBridge(t)
	vm.paused = true
	resp := b.handle(Request{Kind: ReqLoadSnapshot, LoadStatePath: "/tmp/s", LoadMemPath: "/tmp/m", ResumeAfterLoad: true})
	if resp.Err != nil {
		t.Fatalf("LoadSnapshot err = %v", resp.Err)
	}
	if vm.paused {
		t.Fatalf("vm.Resume() was not called after load")
	}
}

func TestBridgeHandleConfigureMetricsRejected(t *testing.T) {
	b, _, _ := newTestBridge(t)
	resp := b.handle(Request{Kind: ReqConfigureMetrics})
	if resp.Err == nil {
		t.Fatalf("expected ConfigureMetrics to be rejected")
	}
}

func TestBridgeHandleShutdownInternal(t *testing.T) {
	b, vm, _ := newTestBridge(t)
	b.handle(Request{Kind: ReqShutdownInternal})
	if !vm.stopped {
		t.Fatalf("vm.Stop() was not called")
	}
	select {
	case <-b.ShutdownCh():
	default:
		t.Fatalf("ShutdownCh was not closed")
	}
}

func TestBridgeSendRequestRoundTrip(t *testing.T) {
	b, vm, _ := newTestBridge(t)
	vm.info = InstanceInfoView{State: "Running"}

	go func() {
		req, ok := b.toVMM.Pop()
		if !ok {
			return
		}
		b.toAPI.Push(b.handle(req))
	}()

	resp := b.SendRequest(Request{Kind: ReqGetInstanceInfo})
	if resp.Err != nil {
		t.Fatalf("SendRequest error = %v", resp.Err)
	}
	if resp.InstanceInfo.State != "Running" {
		t.Fatalf("InstanceInfo.State = %q, want Running", resp.InstanceInfo.State)
	}
}

func TestBridgeDispatchPauseBlocksUntilResume(t *testing.T) {
	b, vm, _ := newTestBridge(t)

	dispatchDone := make(chan struct{})
	b.toVMM.Push(Request{Kind: ReqPause})
	go func() {
		b.Dispatch()
		close(dispatchDone)
	}()

	// Drain the Pause response.
	if _, ok := b.toAPI.Pop(); !ok {
		t.Fatalf("expected a response for the Pause request")
	}

	select {
	case <-dispatchDone:
		t.Fatalf("Dispatch returned before Resume arrived")
	case <-time.After(20 * time.Millisecond):
	}

	b.toVMM.Push(Request{Kind: ReqResume})
	if _, ok := b.toAPI.Pop(); !ok {
		t.Fatalf("expected a response for the Resume request")
	}

	select {
	case <-dispatchDone:
	case <-time.After(time.Second):
		t.Fatalf("Dispatch never returned after Resume")
	}
	if vm.paused {
		t.Fatalf("vm still paused after Resume")
	}
}

func TestConfigureLoggerInvalidLevel(t *testing.T) {
	if err := configureLogger("", "not-a-level"); err == nil {
		t.Fatalf("expected error for invalid log level")
	}
}

func TestConfigureLoggerValidLevel(t *testing.T) {
	if err := configureLogger("", "info"); err != nil {
		t.Fatalf("configureLogger error = %v", err)
	}
}
