package cpuid

import "github.com/go-microvm/vmm/internal/bitfield"

// Field layouts below mirror the Intel SDM's CPUID leaf descriptions; only
// the fields normalize.go actually reads or writes are declared here,
// rather than a full SDM dump.

var leaf1EAX = bitfield.NewRegister[uint32]("leaf1.eax",
	bitfield.Range{Name: "stepping", Start: 0, End: 4},
	bitfield.Range{Name: "model", Start: 4, End: 8},
	bitfield.Range{Name: "family", Start: 8, End: 12},
)

var leaf1EBX = bitfield.NewRegister[uint32]("leaf1.ebx",
	bitfield.Range{Name: "brand_index", Start: 0, End: 8},
	bitfield.Range{Name: "clflush_line_size", Start: 8, End: 16},
	bitfield.Range{Name: "max_addressable_logical_processors", Start: 16, End: 24},
	bitfield.Range{Name: "initial_apic_id", Start: 24, End: 32},
)

var leaf1ECX = bitfield.NewRegister[uint32]("leaf1.ecx",
	bitfield.Flag("osxsave", 27),
	bitfield.Flag("hypervisor", 31),
	bitfield.Range{Name: "ospke", Start: 4, End: 5},
)

var leaf1EDX = bitfield.NewRegister[uint32]("leaf1.edx",
	bitfield.Flag("tsc_deadline", 24),
	bitfield.Flag("htt", 28),
)

// Leaf1 is the "feature information" leaf (EAX=1).
type Leaf1 struct{ Entry }

func (l Leaf1) Stepping() uint64          { v, _ := leaf1EAX.Get(l.EAX, "stepping"); return v }
func (l Leaf1) ClflushLineSize() uint64   { v, _ := leaf1EBX.Get(l.EBX, "clflush_line_size"); return v }
func (l Leaf1) MaxAddressableLP() uint64 {
	v, _ := leaf1EBX.Get(l.EBX, "max_addressable_logical_processors")
	return v
}
func (l Leaf1) InitialAPICID() uint64 { v, _ := leaf1EBX.Get(l.EBX, "initial_apic_id"); return v }
func (l Leaf1) HypervisorBit() uint64 { v, _ := leaf1ECX.Get(l.ECX, "hypervisor"); return v }
func (l Leaf1) TSCDeadline() uint64   { v, _ := leaf1EDX.Get(l.EDX, "tsc_deadline"); return v }

// SetInitialAPICID rewrites EBX's initial-APIC-ID field.
func (l *Leaf1) SetInitialAPICID(id uint32) error {
	v, err := leaf1EBX.Set(l.EBX, "initial_apic_id", uint64(id))
	if err != nil {
		return err
	}
	l.EBX = v
	return nil
}

// SetClflushLineSize rewrites EBX's CLFLUSH line-size field (in units of 8 bytes).
func (l *Leaf1) SetClflushLineSize(size uint32) error {
	v, err := leaf1EBX.Set(l.EBX, "clflush_line_size", uint64(size))
	if err != nil {
		return err
	}
	l.EBX = v
	return nil
}

// SetMaxAddressableLP rewrites EBX's max-addressable-logical-processors field.
func (l *Leaf1) SetMaxAddressableLP(count uint32) error {
	v, err := leaf1EBX.Set(l.EBX, "max_addressable_logical_processors", uint64(count))
	if err != nil {
		return err
	}
	l.EBX = v
	return nil
}

// SetHypervisorBit sets ECX bit 31.
func (l *Leaf1) SetHypervisorBit() error {
	v, err := leaf1ECX.Set(l.ECX, "hypervisor", 1)
	if err != nil {
		return err
	}
	l.ECX = v
	return nil
}

// SetTSCDeadline sets EDX bit 24.
func (l *Leaf1) SetTSCDeadline() error {
	v, err := leaf1EDX.Set(l.EDX, "tsc_deadline", 1)
	if err != nil {
		return err
	}
	l.EDX = v
	return nil
}

var leaf4EAX = bitfield.NewRegister[uint32]("leaf4.eax",
	bitfield.Range{Name: "cache_level", Start: 5, End: 8},
	bitfield.Range{Name: "max_cores_in_package", Start: 26, End: 32},
)

var leaf4EAXSharing = bitfield.NewRegister[uint32]("leaf4.eax.sharing",
	bitfield.Range{Name: "max_ids_sharing_cache", Start: 14, End: 26},
)

// Leaf4 is one sub-leaf of the "deterministic cache parameters" leaf (EAX=4).
type Leaf4 struct{ Entry }

func (l Leaf4) CacheLevel() uint64 { v, _ := leaf4EAX.Get(l.EAX, "cache_level"); return v }

// SetMaxIDsSharingCache rewrites the "max IDs sharing this cache" field.
func (l *Leaf4) SetMaxIDsSharingCache(n uint32) error {
	v, err := leaf4EAXSharing.Set(l.EAX, "max_ids_sharing_cache", uint64(n))
	if err != nil {
		return err
	}
	l.EAX = v
	return nil
}

// SetMaxCoresInPackage rewrites the "max cores in package" field.
func (l *Leaf4) SetMaxCoresInPackage(n uint32) error {
	v, err := leaf4EAX.Set(l.EAX, "max_cores_in_package", uint64(n))
	if err != nil {
		return err
	}
	l.EAX = v
	return nil
}

var leaf6EAX = bitfield.NewRegister[uint32]("leaf6.eax",
	bitfield.Flag("turbo_boost", 1),
)

var leaf6ECX = bitfield.NewRegister[uint32]("leaf6.ecx",
	bitfield.Flag("energy_perf_bias", 3),
)

// Leaf6 is the "thermal and power management" leaf (EAX=6).
type Leaf6 struct{ Entry }

// ClearTurboAndEPB clears the Turbo Boost and energy-performance-bias bits.
func (l *Leaf6) ClearTurboAndEPB() error {
	eax, err := leaf6EAX.Set(l.EAX, "turbo_boost", 0)
	if err != nil {
		return err
	}
	ecx, err := leaf6ECX.Set(l.ECX, "energy_perf_bias", 0)
	if err != nil {
		return err
	}
	l.EAX, l.ECX = eax, ecx
	return nil
}

// LeafA is the "architectural performance monitoring" leaf (EAX=10). The
// normalizer zeroes it outright, so no field accessors are needed.
type LeafA struct{ Entry }

// Zero disables the guest-visible PMU.
func (l *LeafA) Zero() { l.EAX, l.EBX, l.ECX, l.EDX = 0, 0, 0, 0 }

var leafBEAX = bitfield.NewRegister[uint32]("leafb.eax",
	bitfield.Range{Name: "shift", Start: 0, End: 5},
)

var leafBECX = bitfield.NewRegister[uint32]("leafb.ecx",
	bitfield.Range{Name: "level_type", Start: 8, End: 16},
	bitfield.Range{Name: "level_number", Start: 0, End: 8},
)

// LeafB is one sub-leaf of "extended topology enumeration" (EAX=0xB).
type LeafB struct{ Entry }

const (
	// LeafBLevelThread is the sub-leaf 0 topology level type.
	LeafBLevelThread = 1
	// LeafBLevelCore is the sub-leaf 1 topology level type.
	LeafBLevelCore = 2
)

// SetShift rewrites EAX's "bits to shift right" field.
func (l *LeafB) SetShift(shift uint32) error {
	v, err := leafBEAX.Set(l.EAX, "shift", uint64(shift))
	if err != nil {
		return err
	}
	l.EAX = v
	return nil
}

// SetLevel rewrites ECX's level-number and level-type fields.
func (l *LeafB) SetLevel(number uint32, levelType uint32) error {
	ecx, err := leafBECX.Set(l.ECX, "level_number", uint64(number))
	if err != nil {
		return err
	}
	ecx, err = leafBECX.Set(ecx, "level_type", uint64(levelType))
	if err != nil {
		return err
	}
	l.ECX = ecx
	return nil
}

// SetX2APICID rewrites EDX, the sub-leaf's x2APIC ID.
func (l *LeafB) SetX2APICID(id uint32) { l.EDX = id }

// Leaf80000002To4 is the three-leaf processor brand string
// (EAX=0x80000002..0x80000004), 48 ASCII bytes packed 4 per register.
type Leaf80000002To4 struct {
	L2, L3, L4 Entry
}

// SetBrandString packs a (possibly truncated/padded) 48-byte ASCII brand
// string across the three leaves, little-endian per SDM convention.
func (b *Leaf80000002To4) SetBrandString(brand string) {
	buf := make([]byte, 48)
	copy(buf, brand)
	regs := [12]*uint32{
		&b.L2.EAX, &b.L2.EBX, &b.L2.ECX, &b.L2.EDX,
		&b.L3.EAX, &b.L3.EBX, &b.L3.ECX, &b.L3.EDX,
		&b.L4.EAX, &b.L4.EBX, &b.L4.ECX, &b.L4.EDX,
	}
	for i, r := range regs {
		off := i * 4
		*r = uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
	}
}
