package snapshot

// VmInfo is the machine-level metadata captured alongside device and
// vCPU state: enough to sanity-check a restore target and reattach the
// right devices.
type VmInfo struct {
	MemorySizeBytes uint64
	VCPUCount       int
	BootRIP         uint64
	GDTBase         uint64
	GDTLen          int

	Drives []DriveState
	Nets   []NetState

	HasBalloon   bool
	BalloonState BalloonState

	HasVsock bool
}

// DriveState mirrors one attached virtio-blk device's identity.
type DriveState struct {
	ID         string
	PathOnHost string
	ReadOnly   bool
}

// NetState mirrors one attached virtio-net device's identity.
type NetState struct {
	ID       string
	TapName  string
	GuestMAC string
}

// BalloonState captures the balloon device's driver-visible knobs.
type BalloonState struct {
	TargetMiB             uint32
	DeflateOnOOM          bool
	StatsPollingIntervalS uint32
}

// VCPUState captures one vCPU's register files, enough to resume
// execution exactly where KVM_RUN left off.
type VCPUState struct {
	ID    int
	Regs  GPRegs
	Sregs SRegs
}

// GPRegs mirrors struct kvm_regs' fields this VMM actually initializes
// and relies on (general-purpose registers and flags).
type GPRegs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
}

// DTable mirrors struct kvm_dtable (GDT/IDT base+limit).
type DTable struct {
	Base  uint64
	Limit uint16
}

// SRegs mirrors the subset of struct kvm_sregs this VMM's boot protocol
// populates: segment registers, descriptor tables, and control
// registers.
type SRegs struct {
	CS, DS, ES, FS, GS, SS Segment
	GDT, IDT               DTable
	CR0, CR2, CR3, CR4     uint64
	EFER                   uint64
}

// Body is the full CBOR-encoded payload following the fixed header.
type Body struct {
	Info  VmInfo
	VCPUs []VCPUState
}

// MemoryHeader precedes the guest memory file's raw bytes: one entry per
// region, in the same order the body's bytes are written. A Diff
// snapshot's MemoryHeader additionally records which pages are present
// in the companion file; absent pages must be read from the full
// snapshot the diff was taken against.
type MemoryHeader struct {
	Diff    bool
	Regions []RegionHeader
}

// RegionHeader describes one guest-physical memory region within the
// memory file.
type RegionHeader struct {
	Slot      uint32
	GuestBase uint64
	Size      uint64

	// DirtyPages lists 4KiB page indices (relative to GuestBase)
	// present in this file, in ascending order. Nil for a full
	// snapshot, where every page of the region is present.
	DirtyPages []uint64
}
