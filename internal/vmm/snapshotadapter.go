package vmm

import (
	"github.com/go-microvm/vmm/internal/memory"
	"github.com/go-microvm/vmm/internal/snapshot"
)

// SnapshotAdapter adapts a VirtualMachine to snapshot.VM. *VCPU already
// satisfies snapshot.VCPUAccessor directly (identical Regs/Sregs/
// SetRegs/SetSregs signatures), so only the memory space and the vCPU
// slice's element type need wrapping.
type SnapshotAdapter struct {
	vm *VirtualMachine
}

// NewSnapshotAdapter wraps vm for use as a snapshot.Engine's VM.
func NewSnapshotAdapter(vm *VirtualMachine) *SnapshotAdapter {
	return &SnapshotAdapter{vm: vm}
}

func (a *SnapshotAdapter) MemorySpace() snapshot.MemorySpace {
	return memSpaceAdapter{a.vm.MemorySpace()}
}

func (a *SnapshotAdapter) VMFD() int { return a.vm.VMFD() }

func (a *SnapshotAdapter) VCPUs() []snapshot.VCPUAccessor {
	vcpus := a.vm.VCPUs()
	out := make([]snapshot.VCPUAccessor, len(vcpus))
	for i, v := range vcpus {
		out[i] = v
	}
	return out
}

func (a *SnapshotAdapter) BootInfo() (rip, gdtBase uint64, gdtLen int) {
	return a.vm.BootInfo()
}

func (a *SnapshotAdapter) DeviceInventory() (drives []snapshot.DriveState, nets []snapshot.NetState, hasBalloon, hasVsock bool) {
	ds, ns, balloon, vsock := a.vm.DeviceInventory()
	for _, d := range ds {
		drives = append(drives, snapshot.DriveState{ID: d.ID, PathOnHost: d.PathOnHost, ReadOnly: d.ReadOnly})
	}
	for _, n := range ns {
		nets = append(nets, snapshot.NetState{ID: n.ID, TapName: n.TapName, GuestMAC: n.GuestMAC})
	}
	return drives, nets, balloon, vsock
}

func (a *SnapshotAdapter) BalloonConfigForSnapshot() (snapshot.BalloonState, bool) {
	cfg, ok := a.vm.BalloonConfig()
	if !ok {
		return snapshot.BalloonState{}, false
	}
	return snapshot.BalloonState{
		TargetMiB:             cfg.AmountMiB,
		DeflateOnOOM:          cfg.DeflateOnOOM,
		StatsPollingIntervalS: cfg.StatsPollingIntervalS,
	}, true
}

func (a *SnapshotAdapter) MemorySizeBytes() uint64 { return a.vm.MemorySizeBytes }

type memSpaceAdapter struct {
	s *memory.Space
}

func (m memSpaceAdapter) Regions() []snapshot.MemoryRegion {
	regions := m.s.Regions()
	out := make([]snapshot.MemoryRegion, len(regions))
	for i := range regions {
		out[i] = regionAdapter{regions[i]}
	}
	return out
}

type regionAdapter struct {
	r memory.Region
}

func (r regionAdapter) SlotNum() uint32 { return r.r.Slot }
func (r regionAdapter) Base() uint64    { return r.r.GuestBase }
func (r regionAdapter) Data() []byte    { return r.r.Bytes }
