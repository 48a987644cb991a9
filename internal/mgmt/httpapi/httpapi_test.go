package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/go-microvm/vmm/internal/mgmt"
	"github.com/go-microvm/vmm/internal/ratelimiter"
)

// fakeVM is a minimal mgmt.VMController for exercising the HTTP handlers
// without a real microVM behind them.
type fakeVM struct {
	info       mgmt.InstanceInfoView
	balloon    mgmt.BalloonConfigView
	hasBalloon bool
	lastTargetMiB uint32
	lastDriveID   string
	lastPath      string
}

func (f *fakeVM) Pause() error    { return nil }
func (f *fakeVM) Resume() error   { return nil }
func (f *fakeVM) SendCtrlAltDel() {}
func (f *fakeVM) InstanceInfo() mgmt.InstanceInfoView { return f.info }
func (f *fakeVM) BalloonConfig() (mgmt.BalloonConfigView, bool) { return f.balloon, f.hasBalloon }
func (f *fakeVM) BalloonStats() (map[string]uint64, bool) {
	return map[string]uint64{"actual_pages": 10}, true
}
func (f *fakeVM) UpdateBalloonTarget(targetMiB uint32) error {
	f.lastTargetMiB = targetMiB
	return nil
}
func (f *fakeVM) UpdateBalloonStatsInterval(time.Duration) error { return nil }
func (f *fakeVM) UpdateBlockDevicePath(id, newPath string) error {
	f.lastDriveID, f.lastPath = id, newPath
	return nil
}
func (f *fakeVM) UpdateBlockRateLimiter(id string, bw, ops ratelimiter.BucketUpdate) error {
	f.lastDriveID = id
	return nil
}
func (f *fakeVM) UpdateNetRateLimiters(id string, rxBw, rxOps, txBw, txOps ratelimiter.BucketUpdate) error {
	f.lastDriveID = id
	return nil
}
func (f *fakeVM) Stop() {}

type fakeSnapshot struct{}

func (fakeSnapshot) Save(statePath, memPath string, diff bool) error { return nil }
func (fakeSnapshot) Load(statePath, memPath string) error            { return nil }

// newTestServer builds a bridge and a background dispatcher polling it, so
// bridge.SendRequest (called from the handlers under test) gets answered
// without a real VMM/I/O thread driving Dispatch from an epoll callback.
func newTestServer(t *testing.T) (*mux.Router, *fakeVM) {
	t.Helper()
	vm := &fakeVM{}
	bridge, err := mgmt.New(vm, fakeSnapshot{})
	if err != nil {
		t.Fatalf("mgmt.New() error = %v", err)
	}

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop); _ = bridge.Close() })
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bridge.Dispatch()
			}
		}
	}()

	router := mux.NewRouter()
	router.NotFoundHandler = NotFound
	for _, cmd := range routes(bridge) {
		router.Handle(cmd.Path, cmd).Name(cmd.Path)
	}
	return router, vm
}

func TestCommandDispatchesByMethod(t *testing.T) {
	called := ""
	cmd := &Command{
		Path: "/x",
		GET:  func(*Command, *http.Request) Response { called = "GET"; return noContent() },
		PUT:  func(*Command, *http.Request) Response { called = "PUT"; return noContent() },
	}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	cmd.ServeHTTP(w, req)
	if called != "GET" {
		t.Fatalf("called = %q, want GET", called)
	}

	req = httptest.NewRequest(http.MethodDelete, "/x", nil)
	w = httptest.NewRecorder()
	cmd.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestActionInstanceInfo(t *testing.T) {
	router, vm := newTestServer(t)
	vm.info = mgmt.InstanceInfoView{State: "Running", VCPUCount: 4, MemorySizeBytes: 512 << 20}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}
	var got mgmt.InstanceInfoView
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got != vm.info {
		t.Fatalf("got %+v, want %+v", got, vm.info)
	}
}

func TestActionPauseAction(t *testing.T) {
	router, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"action": "Pause"})
	req := httptest.NewRequest(http.MethodPut, "/actions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusNoContent, w.Body.String())
	}
}

func TestActionPauseActionUnknown(t *testing.T) {
	router, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"action": "Bogus"})
	req := httptest.NewRequest(http.MethodPut, "/actions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestActionUpdateBlockDevicePathUsesURLID(t *testing.T) {
	router, vm := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"path_on_host": "/tmp/new.img"})
	req := httptest.NewRequest(http.MethodPut, "/drives/rootfs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusNoContent, w.Body.String())
	}
	if vm.lastDriveID != "rootfs" || vm.lastPath != "/tmp/new.img" {
		t.Fatalf("got drive=%q path=%q", vm.lastDriveID, vm.lastPath)
	}
}

func TestActionGetBalloonConfigMissing(t *testing.T) {
	router, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/balloon", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestNotFoundRoute(t *testing.T) {
	router, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
