package vmm_test

import (
	"os"
	"testing"

	"github.com/go-microvm/vmm/internal/config"
	"github.com/go-microvm/vmm/internal/snapshot"
	"github.com/go-microvm/vmm/internal/vmm"
)

func newTestVM(t *testing.T) *vmm.VirtualMachine {
	t.Helper()
	if os.Getuid() != 0 {
		t.Skip("skipping: requires root to open /dev/kvm")
	}
	cfg := config.Default()
	cfg.Machine.VCPUCount = 1
	cfg.Machine.MemSizeMiB = 1

	vm, err := vmm.New(cfg, false)
	if err != nil {
		t.Fatalf("vmm.New: %v", err)
	}
	t.Cleanup(vm.Close)
	return vm
}

func TestControllerPauseResume(t *testing.T) {
	vm := newTestVM(t)
	ctrl := vmm.NewController(vm)

	if err := ctrl.Pause(); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	info := ctrl.InstanceInfo()
	if info.State != "paused" {
		t.Fatalf("State = %q, want paused", info.State)
	}

	if err := ctrl.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
}

func TestControllerInstanceInfoTranslation(t *testing.T) {
	vm := newTestVM(t)
	ctrl := vmm.NewController(vm)

	info := ctrl.InstanceInfo()
	if info.VCPUCount != 1 {
		t.Fatalf("VCPUCount = %d, want 1", info.VCPUCount)
	}
	if info.MemorySizeBytes != 1<<20 {
		t.Fatalf("MemorySizeBytes = %d, want %d", info.MemorySizeBytes, 1<<20)
	}
}

func TestControllerBalloonConfigAbsent(t *testing.T) {
	vm := newTestVM(t)
	ctrl := vmm.NewController(vm)

	if _, ok := ctrl.BalloonConfig(); ok {
		t.Fatalf("BalloonConfig ok = true, want false (no balloon attached)")
	}
	if _, ok := ctrl.BalloonStats(); ok {
		t.Fatalf("BalloonStats ok = true, want false (no balloon attached)")
	}
}

func TestSnapshotAdapterDeviceInventoryEmpty(t *testing.T) {
	vm := newTestVM(t)
	adapter := vmm.NewSnapshotAdapter(vm)

	drives, nets, hasBalloon, hasVsock := adapter.DeviceInventory()
	if len(drives) != 0 || len(nets) != 0 || hasBalloon || hasVsock {
		t.Fatalf("DeviceInventory = (%v, %v, %v, %v), want all empty/false", drives, nets, hasBalloon, hasVsock)
	}
}

func TestSnapshotAdapterVCPUsMatchesCount(t *testing.T) {
	vm := newTestVM(t)
	adapter := vmm.NewSnapshotAdapter(vm)

	vcpus := adapter.VCPUs()
	if len(vcpus) != 1 {
		t.Fatalf("len(VCPUs()) = %d, want 1", len(vcpus))
	}
	if vcpus[0].ID() != 0 {
		t.Fatalf("VCPUs()[0].ID() = %d, want 0", vcpus[0].ID())
	}
}

func TestSnapshotAdapterMemorySpaceRegions(t *testing.T) {
	vm := newTestVM(t)
	adapter := vmm.NewSnapshotAdapter(vm)

	var _ snapshot.VM = adapter
	regions := adapter.MemorySpace().Regions()
	if len(regions) == 0 {
		t.Fatalf("expected at least one memory region")
	}
	if len(regions[0].Data()) != 1<<20 {
		t.Fatalf("region size = %d, want %d", len(regions[0].Data()), 1<<20)
	}
}
