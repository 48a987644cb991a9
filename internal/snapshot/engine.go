package snapshot

import (
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/go-microvm/vmm/internal/hypervisor"
	"github.com/go-microvm/vmm/internal/obs"
)

const pageSize = 4096

// VM is the narrow surface of a running microVM the snapshot engine
// needs. Implemented by *vmm.VirtualMachine.
type VM interface {
	MemorySpace() MemorySpace
	VMFD() int
	VCPUs() []VCPUAccessor
	BootInfo() (rip, gdtBase uint64, gdtLen int)
	DeviceInventory() (drives []DriveState, nets []NetState, hasBalloon, hasVsock bool)
	BalloonConfigForSnapshot() (BalloonState, bool)
	MemorySizeBytes() uint64
}

// MemorySpace is the narrow surface of *memory.Space the engine needs.
type MemorySpace interface {
	Regions() []MemoryRegion
}

// MemoryRegion is the narrow surface of memory.Region the engine needs.
type MemoryRegion interface {
	SlotNum() uint32
	Base() uint64
	Data() []byte
}

// VCPUAccessor is the narrow surface of *vmm.VCPU the engine needs.
type VCPUAccessor interface {
	ID() int
	Regs() (*hypervisor.KvmRegs, error)
	Sregs() (*hypervisor.KvmSregs, error)
	SetRegs(*hypervisor.KvmRegs) error
	SetSregs(*hypervisor.KvmSregs) error
}

// Engine implements mgmt.SnapshotEngine against a VM. Save and Load read
// and write vCPU register state and expect all vCPUs to be paused; neither
// the engine nor the management bridge checks this, and the bridge
// handles CreateSnapshot and LoadSnapshot whether or not a Pause came
// first.
type Engine struct {
	vm VM
}

// New wraps vm for snapshot save/restore.
func New(vm VM) *Engine {
	return &Engine{vm: vm}
}

// Save writes statePath (header + CBOR body) and memPath (guest memory,
// full or diff against the dirty bitmap since the last diff/full save).
func (e *Engine) Save(statePath, memPath string, diff bool) error {
	body, err := e.captureBody()
	if err != nil {
		return err
	}

	stateFile, err := os.Create(statePath)
	if err != nil {
		return fmt.Errorf("snapshot: creating state file: %w", err)
	}
	defer stateFile.Close()

	if err := writeHeader(stateFile); err != nil {
		return err
	}
	enc := cbor.NewEncoder(stateFile)
	if err := enc.Encode(body); err != nil {
		return fmt.Errorf("snapshot: encoding state body: %w", err)
	}

	if err := e.saveMemory(memPath, diff); err != nil {
		return err
	}

	obs.L().WithField("state_path", statePath).WithField("mem_path", memPath).
		WithField("diff", diff).Info("snapshot saved")
	return nil
}

func (e *Engine) captureBody() (Body, error) {
	drives, nets, hasBalloon, hasVsock := e.vm.DeviceInventory()
	rip, gdtBase, gdtLen := e.vm.BootInfo()

	info := VmInfo{
		MemorySizeBytes: e.vm.MemorySizeBytes(),
		VCPUCount:       len(e.vm.VCPUs()),
		BootRIP:         rip,
		GDTBase:         gdtBase,
		GDTLen:          gdtLen,
		Drives:          drives,
		Nets:            nets,
		HasBalloon:      hasBalloon,
		HasVsock:        hasVsock,
	}
	if hasBalloon {
		if bs, ok := e.vm.BalloonConfigForSnapshot(); ok {
			info.BalloonState = bs
		}
	}

	var vcpus []VCPUState
	for _, vcpu := range e.vm.VCPUs() {
		regs, err := vcpu.Regs()
		if err != nil {
			return Body{}, fmt.Errorf("snapshot: vcpu %d: reading regs: %w", vcpu.ID(), err)
		}
		sregs, err := vcpu.Sregs()
		if err != nil {
			return Body{}, fmt.Errorf("snapshot: vcpu %d: reading sregs: %w", vcpu.ID(), err)
		}
		vcpus = append(vcpus, VCPUState{
			ID:    vcpu.ID(),
			Regs:  toGPRegs(regs),
			Sregs: toSRegs(sregs),
		})
	}

	return Body{Info: info, VCPUs: vcpus}, nil
}

func (e *Engine) saveMemory(memPath string, diff bool) error {
	f, err := os.Create(memPath)
	if err != nil {
		return fmt.Errorf("snapshot: creating memory file: %w", err)
	}
	defer f.Close()

	hdr := MemoryHeader{Diff: diff}
	var bodies [][]byte

	for _, r := range e.vm.MemorySpace().Regions() {
		rh := RegionHeader{Slot: r.SlotNum(), GuestBase: r.Base(), Size: uint64(len(r.Data()))}
		if !diff {
			hdr.Regions = append(hdr.Regions, rh)
			bodies = append(bodies, r.Data())
			continue
		}

		numPages := (len(r.Data()) + pageSize - 1) / pageSize
		bitmap := make([]uint64, (numPages+63)/64)
		if err := hypervisor.DoKVMGetDirtyLog(e.vm.VMFD(), r.SlotNum(), bitmap); err != nil {
			return fmt.Errorf("snapshot: region %d: KVM_GET_DIRTY_LOG: %w", r.SlotNum(), err)
		}

		var dirty []uint64
		var payload []byte
		for page := 0; page < numPages; page++ {
			if bitmap[page/64]&(1<<(uint(page)%64)) == 0 {
				continue
			}
			dirty = append(dirty, uint64(page))
			start := page * pageSize
			end := start + pageSize
			if end > len(r.Data()) {
				end = len(r.Data())
			}
			payload = append(payload, r.Data()[start:end]...)
		}
		rh.DirtyPages = dirty
		hdr.Regions = append(hdr.Regions, rh)
		bodies = append(bodies, payload)
	}

	enc := cbor.NewEncoder(f)
	if err := enc.Encode(hdr); err != nil {
		return fmt.Errorf("snapshot: encoding memory header: %w", err)
	}
	for _, b := range bodies {
		if _, err := f.Write(b); err != nil {
			return fmt.Errorf("snapshot: writing memory region: %w", err)
		}
	}
	return nil
}

// Load restores vCPU register state from statePath/memPath. Device
// reattachment (drives, taps, balloon) is the caller's responsibility:
// the engine assumes the VM was already booted against a config.VMConfig
// matching the snapshot's VmInfo.Drives/Nets, and restores only the
// register and memory-content state KVM itself owns. Lazy, on-demand
// memory restore via userfaultfd is intentionally not implemented here;
// Load always eagerly copies the full memory file back in.
func (e *Engine) Load(statePath, memPath string) error {
	stateFile, err := os.Open(statePath)
	if err != nil {
		return fmt.Errorf("snapshot: opening state file: %w", err)
	}
	defer stateFile.Close()

	if _, err := readHeader(stateFile); err != nil {
		return err
	}
	var body Body
	if err := cbor.NewDecoder(stateFile).Decode(&body); err != nil {
		return fmt.Errorf("snapshot: decoding state body: %w", err)
	}

	if err := e.loadMemory(memPath); err != nil {
		return err
	}

	vcpusByID := make(map[int]VCPUAccessor, len(e.vm.VCPUs()))
	for _, vcpu := range e.vm.VCPUs() {
		vcpusByID[vcpu.ID()] = vcpu
	}
	for _, vs := range body.VCPUs {
		vcpu, ok := vcpusByID[vs.ID]
		if !ok {
			return fmt.Errorf("snapshot: state file references unknown vcpu %d", vs.ID)
		}
		if err := vcpu.SetSregs(fromSRegs(vs.Sregs)); err != nil {
			return fmt.Errorf("snapshot: vcpu %d: restoring sregs: %w", vs.ID, err)
		}
		if err := vcpu.SetRegs(fromGPRegs(vs.Regs)); err != nil {
			return fmt.Errorf("snapshot: vcpu %d: restoring regs: %w", vs.ID, err)
		}
	}

	obs.L().WithField("state_path", statePath).WithField("mem_path", memPath).Info("snapshot loaded")
	return nil
}

func (e *Engine) loadMemory(memPath string) error {
	f, err := os.Open(memPath)
	if err != nil {
		return fmt.Errorf("snapshot: opening memory file: %w", err)
	}
	defer f.Close()

	var hdr MemoryHeader
	dec := cbor.NewDecoder(f)
	if err := dec.Decode(&hdr); err != nil {
		return fmt.Errorf("snapshot: decoding memory header: %w", err)
	}
	if hdr.Diff {
		return fmt.Errorf("snapshot: loading a diff snapshot directly is not supported; merge onto its base full snapshot first")
	}

	regionsBySlot := make(map[uint32]MemoryRegion)
	for _, r := range e.vm.MemorySpace().Regions() {
		regionsBySlot[r.SlotNum()] = r
	}

	// The decoder may have read past the header; region bytes start with
	// whatever it buffered.
	contents := io.MultiReader(dec.Buffered(), f)
	for _, rh := range hdr.Regions {
		region, ok := regionsBySlot[rh.Slot]
		if !ok {
			return fmt.Errorf("snapshot: state references unknown region slot %d", rh.Slot)
		}
		dst := region.Data()
		if uint64(len(dst)) != rh.Size {
			return fmt.Errorf("snapshot: region %d size mismatch: have %d, want %d", rh.Slot, len(dst), rh.Size)
		}
		if _, err := readFullAt(contents, dst); err != nil {
			return fmt.Errorf("snapshot: region %d: reading memory contents: %w", rh.Slot, err)
		}
	}
	return nil
}

func readFullAt(r io.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func toGPRegs(r *hypervisor.KvmRegs) GPRegs {
	return GPRegs{
		RAX: r.RAX, RBX: r.RBX, RCX: r.RCX, RDX: r.RDX,
		RSI: r.RSI, RDI: r.RDI, RSP: r.RSP, RBP: r.RBP,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		RIP: r.RIP, RFLAGS: r.RFLAGS,
	}
}

func fromGPRegs(g GPRegs) *hypervisor.KvmRegs {
	return &hypervisor.KvmRegs{
		RAX: g.RAX, RBX: g.RBX, RCX: g.RCX, RDX: g.RDX,
		RSI: g.RSI, RDI: g.RDI, RSP: g.RSP, RBP: g.RBP,
		R8: g.R8, R9: g.R9, R10: g.R10, R11: g.R11,
		R12: g.R12, R13: g.R13, R14: g.R14, R15: g.R15,
		RIP: g.RIP, RFLAGS: g.RFLAGS,
	}
}

func toSegment(s hypervisor.KvmSegment) Segment {
	return Segment{
		Base: s.Base, Limit: s.Limit, Selector: s.Selector,
		Type: s.Type, Present: s.Present, DPL: s.DPL,
		DB: s.DB, S: s.S, L: s.L, G: s.G, AVL: s.AVL,
	}
}

func fromSegment(s Segment) hypervisor.KvmSegment {
	return hypervisor.KvmSegment{
		Base: s.Base, Limit: s.Limit, Selector: s.Selector,
		Type: s.Type, Present: s.Present, DPL: s.DPL,
		DB: s.DB, S: s.S, L: s.L, G: s.G, AVL: s.AVL,
	}
}

func toSRegs(s *hypervisor.KvmSregs) SRegs {
	return SRegs{
		CS: toSegment(s.CS), DS: toSegment(s.DS), ES: toSegment(s.ES),
		FS: toSegment(s.FS), GS: toSegment(s.GS), SS: toSegment(s.SS),
		GDT: DTable{Base: s.GDT.Base, Limit: s.GDT.Limit},
		IDT: DTable{Base: s.IDT.Base, Limit: s.IDT.Limit},
		CR0: s.CR0, CR2: s.CR2, CR3: s.CR3, CR4: s.CR4, EFER: s.EFER,
	}
}

func fromSRegs(s SRegs) *hypervisor.KvmSregs {
	return &hypervisor.KvmSregs{
		CS: fromSegment(s.CS), DS: fromSegment(s.DS), ES: fromSegment(s.ES),
		FS: fromSegment(s.FS), GS: fromSegment(s.GS), SS: fromSegment(s.SS),
		GDT: hypervisor.KvmDtable{Base: s.GDT.Base, Limit: s.GDT.Limit},
		IDT: hypervisor.KvmDtable{Base: s.IDT.Base, Limit: s.IDT.Limit},
		CR0: s.CR0, CR2: s.CR2, CR3: s.CR3, CR4: s.CR4, EFER: s.EFER,
	}
}
