package cpuid

import (
	"fmt"

	"github.com/go-microvm/vmm/internal/bitfield"
)

// Topology describes the vCPU shape the normalizer rewrites leaves against.
type Topology struct {
	VCPUIndex      uint32
	VCPUCount      uint32
	VCPUsPerCore   uint32
	CPUBits        uint32 // shift for the thread-level x2APIC ID field
	BrandString    string
}

// nextPowerOfTwo returns the smallest power of two >= n.
func nextPowerOfTwo(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Normalize rewrites the x86 leaves listed in the per-vCPU identity
// normalization rules, in place on a clone of `host`. It never mutates its
// argument, returning a new Store reflecting the host baseline plus the
// guest-stable overrides.
func Normalize(host *Store, topo Topology) (*Store, error) {
	if topo.VCPUCount == 0 {
		return nil, fmt.Errorf("cpuid: vcpu count must be positive")
	}
	if topo.VCPUCount > 128 {
		return nil, fmt.Errorf("cpuid: vcpu count %d exceeds the 128 logical-processor ceiling", topo.VCPUCount)
	}

	out := host.Clone()

	if e, ok := out.Get(1, 0); ok {
		l1 := Leaf1{Entry: e}
		if err := l1.SetInitialAPICID(topo.VCPUIndex); err != nil {
			return nil, err
		}
		if err := l1.SetClflushLineSize(8); err != nil {
			return nil, err
		}
		maxLP := nextPowerOfTwo(topo.VCPUCount)
		if err := l1.SetMaxAddressableLP(maxLP); err != nil {
			return nil, err
		}
		if err := l1.SetHypervisorBit(); err != nil {
			return nil, err
		}
		if err := l1.SetTSCDeadline(); err != nil {
			return nil, err
		}
		out.Set(1, 0, l1.Entry)
	}

	vcpusPerCore := topo.VCPUsPerCore
	if vcpusPerCore == 0 {
		vcpusPerCore = 1
	}
	for _, k := range out.Keys() {
		if k.Leaf != 4 {
			continue
		}
		e, _ := out.Get(4, k.Subleaf)
		l4 := Leaf4{Entry: e}
		switch l4.CacheLevel() {
		case 1, 2:
			if err := l4.SetMaxIDsSharingCache(vcpusPerCore - 1); err != nil {
				return nil, err
			}
		case 3:
			if err := l4.SetMaxIDsSharingCache(topo.VCPUCount - 1); err != nil {
				return nil, err
			}
		default:
			continue
		}
		if err := l4.SetMaxCoresInPackage((topo.VCPUCount / vcpusPerCore) - 1); err != nil {
			return nil, err
		}
		out.Set(4, k.Subleaf, l4.Entry)
	}

	if e, ok := out.Get(6, 0); ok {
		l6 := Leaf6{Entry: e}
		if err := l6.ClearTurboAndEPB(); err != nil {
			return nil, err
		}
		out.Set(6, 0, l6.Entry)
	}

	if _, ok := out.Get(0xA, 0); ok {
		var la LeafA
		la.Zero()
		out.Set(0xA, 0, la.Entry)
	}

	if e, ok := out.Get(0xB, 0); ok {
		lb := LeafB{Entry: e}
		if err := lb.SetShift(topo.CPUBits); err != nil {
			return nil, err
		}
		if err := lb.SetLevel(0, LeafBLevelThread); err != nil {
			return nil, err
		}
		lb.SetX2APICID(topo.VCPUIndex)
		out.Set(0xB, 0, lb.Entry)
	}
	if e, ok := out.Get(0xB, 1); ok {
		lb := LeafB{Entry: e}
		if err := lb.SetShift(7); err != nil {
			return nil, err
		}
		if err := lb.SetLevel(1, LeafBLevelCore); err != nil {
			return nil, err
		}
		lb.SetX2APICID(topo.VCPUIndex)
		out.Set(0xB, 1, lb.Entry)
	}

	if topo.BrandString != "" {
		l2, ok2 := out.Get(0x80000002, 0)
		l3, ok3 := out.Get(0x80000003, 0)
		l4e, ok4 := out.Get(0x80000004, 0)
		if ok2 && ok3 && ok4 {
			brand := Leaf80000002To4{L2: l2, L3: l3, L4: l4e}
			brand.SetBrandString(topo.BrandString)
			out.Set(0x80000002, 0, brand.L2)
			out.Set(0x80000003, 0, brand.L3)
			out.Set(0x80000004, 0, brand.L4)
		}
	}

	return out, nil
}

// undefinedFlags masks out fields that the host may toggle independently of
// the guest's requested feature set, so Supports ignores them.
var undefinedFlags = struct {
	leaf1ecx uint32
	leaf1edx uint32
}{
	leaf1ecx: (1 << 4) | (1 << 27), // OSPKE, OSXSAVE
	leaf1edx: (1 << 24) | (1 << 28), // TSC-deadline, HTT
}

// Supports reports whether CPUID set `a` (e.g. the host/destination) can run
// a guest that was validated against `b` (e.g. a snapshot's source CPUID).
// Every leaf present in `b` must be present in `a`. For leaf 1, EAX must be
// equal and every ECX/EDX flag set in `b` must be set in `a`, with the
// masked exceptions ignored entirely. Every other leaf must match exactly:
// capacity fields are not compared as "at least as large", so a larger
// value in `a` is also a mismatch.
func Supports(a, b *Store) bool {
	for _, k := range b.Keys() {
		be, _ := b.Get(k.Leaf, k.Subleaf)
		ae, ok := a.Get(k.Leaf, k.Subleaf)
		if !ok {
			return false
		}
		switch k.Leaf {
		case 1:
			if ae.EAX != be.EAX {
				return false
			}
			aECX := uint64(ae.ECX &^ undefinedFlags.leaf1ecx)
			bECX := uint64(be.ECX &^ undefinedFlags.leaf1ecx)
			if !bitfield.Subset(bECX, aECX) {
				return false
			}
			aEDX := uint64(ae.EDX &^ undefinedFlags.leaf1edx)
			bEDX := uint64(be.EDX &^ undefinedFlags.leaf1edx)
			if !bitfield.Subset(bEDX, aEDX) {
				return false
			}
		default:
			if ae != be {
				return false
			}
		}
	}
	return true
}
