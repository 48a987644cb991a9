package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/go-microvm/vmm/internal/hypervisor"
)

type fakeRegion struct {
	slot uint32
	base uint64
	data []byte
}

func (r *fakeRegion) SlotNum() uint32 { return r.slot }
func (r *fakeRegion) Base() uint64    { return r.base }
func (r *fakeRegion) Data() []byte    { return r.data }

type fakeMemorySpace struct {
	regions []MemoryRegion
}

func (m *fakeMemorySpace) Regions() []MemoryRegion { return m.regions }

type fakeVCPU struct {
	id    int
	regs  hypervisor.KvmRegs
	sregs hypervisor.KvmSregs
}

func (v *fakeVCPU) ID() int { return v.id }
func (v *fakeVCPU) Regs() (*hypervisor.KvmRegs, error)   { r := v.regs; return &r, nil }
func (v *fakeVCPU) Sregs() (*hypervisor.KvmSregs, error) { s := v.sregs; return &s, nil }
func (v *fakeVCPU) SetRegs(r *hypervisor.KvmRegs) error  { v.regs = *r; return nil }
func (v *fakeVCPU) SetSregs(s *hypervisor.KvmSregs) error { v.sregs = *s; return nil }

type fakeVM struct {
	mem   *fakeMemorySpace
	vcpus []VCPUAccessor

	drives     []DriveState
	nets       []NetState
	hasBalloon bool
	balloon    BalloonState
	hasVsock   bool

	memSize uint64
	rip, gdtBase uint64
	gdtLen int
}

func (f *fakeVM) MemorySpace() MemorySpace { return f.mem }
func (f *fakeVM) VMFD() int                { return -1 }
func (f *fakeVM) VCPUs() []VCPUAccessor    { return f.vcpus }
func (f *fakeVM) BootInfo() (rip, gdtBase uint64, gdtLen int) {
	return f.rip, f.gdtBase, f.gdtLen
}
func (f *fakeVM) DeviceInventory() ([]DriveState, []NetState, bool, bool) {
	return f.drives, f.nets, f.hasBalloon, f.hasVsock
}
func (f *fakeVM) BalloonConfigForSnapshot() (BalloonState, bool) { return f.balloon, f.hasBalloon }
func (f *fakeVM) MemorySizeBytes() uint64                        { return f.memSize }

func newFakeVM() *fakeVM {
	data := make([]byte, 2*pageSize)
	for i := range data {
		data[i] = byte(i)
	}
	return &fakeVM{
		mem: &fakeMemorySpace{regions: []MemoryRegion{&fakeRegion{slot: 0, base: 0, data: data}}},
		vcpus: []VCPUAccessor{
			&fakeVCPU{id: 0, regs: hypervisor.KvmRegs{RIP: 0x1000, RAX: 7}},
		},
		drives:  []DriveState{{ID: "rootfs", PathOnHost: "/tmp/rootfs.img"}},
		nets:    []NetState{{ID: "eth0", TapName: "tap0", GuestMAC: "aa:bb:cc:dd:ee:ff"}},
		memSize: uint64(2 * pageSize),
		rip:     0x1000,
		gdtBase: 0x500,
		gdtLen:  24,
	}
}

func TestEngineSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state")
	memPath := filepath.Join(dir, "mem")

	vm := newFakeVM()
	engine := New(vm)

	if err := engine.Save(statePath, memPath, false); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Mutate the vCPU's registers and the backing memory to confirm Load
	// actually overwrites them rather than trusting pre-existing state.
	vcpu := vm.vcpus[0].(*fakeVCPU)
	vcpu.regs.RIP = 0xdead
	vcpu.regs.RAX = 0
	region := vm.mem.regions[0].(*fakeRegion)
	for i := range region.data {
		region.data[i] = 0
	}

	if err := engine.Load(statePath, memPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if vcpu.regs.RIP != 0x1000 || vcpu.regs.RAX != 7 {
		t.Fatalf("registers not restored: got RIP=%#x RAX=%d", vcpu.regs.RIP, vcpu.regs.RAX)
	}
	for i, b := range region.data {
		if b != byte(i) {
			t.Fatalf("memory byte %d = %d, want %d", i, b, byte(i))
		}
	}
}

func TestEngineSaveHeaderAndBody(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state")
	memPath := filepath.Join(dir, "mem")

	vm := newFakeVM()
	if err := New(vm).Save(statePath, memPath, false); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	f, err := os.Open(statePath)
	if err != nil {
		t.Fatalf("opening state file: %v", err)
	}
	defer f.Close()

	version, err := readHeader(f)
	if err != nil {
		t.Fatalf("readHeader() error = %v", err)
	}
	if version != formatVersion {
		t.Fatalf("version = %d, want %d", version, formatVersion)
	}

	var body Body
	if err := cbor.NewDecoder(f).Decode(&body); err != nil {
		t.Fatalf("decoding state body: %v", err)
	}
	if body.Info.VCPUCount != 1 || len(body.VCPUs) != 1 || body.VCPUs[0].Regs.RIP != 0x1000 {
		t.Fatalf("body = %+v, want one vCPU with RIP 0x1000", body)
	}
}

func TestEngineLoadRejectsDiffMemoryFile(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state")
	memPath := filepath.Join(dir, "mem")

	vm := newFakeVM()
	if err := New(vm).Save(statePath, memPath, false); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Hand-craft a memory file whose header claims to be a diff, since
	// producing a real one needs a live KVM_GET_DIRTY_LOG ioctl.
	f, err := os.Create(memPath)
	if err != nil {
		t.Fatalf("creating memory file: %v", err)
	}
	if err := cbor.NewEncoder(f).Encode(MemoryHeader{Diff: true}); err != nil {
		t.Fatalf("encoding memory header: %v", err)
	}
	f.Close()

	if err := New(vm).Load(statePath, memPath); err == nil {
		t.Fatalf("expected Load to reject a diff memory file")
	}
}

func TestEngineLoadRejectsUnknownVCPU(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state")
	memPath := filepath.Join(dir, "mem")

	vm := newFakeVM()
	if err := New(vm).Save(statePath, memPath, false); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	vm.vcpus = nil
	if err := New(vm).Load(statePath, memPath); err == nil {
		t.Fatalf("expected Load to reject a state file with no matching vcpus")
	}
}
