package cpuid

import "testing"

func baselineStore() *Store {
	s := NewStore()
	s.Set(1, 0, Entry{EAX: 0x000006f1, EBX: 0, ECX: 0, EDX: 0})
	s.Set(4, 0, Entry{EAX: 1 << 5}) // cache level 1
	s.Set(4, 1, Entry{EAX: 2 << 5}) // cache level 2
	s.Set(4, 2, Entry{EAX: 3 << 5}) // cache level 3
	s.Set(6, 0, Entry{EAX: 0b10, ECX: 0b1000})
	s.Set(0xA, 0, Entry{EAX: 1, EBX: 1, ECX: 1, EDX: 1})
	s.Set(0xB, 0, Entry{})
	s.Set(0xB, 1, Entry{})
	s.Set(0x80000002, 0, Entry{})
	s.Set(0x80000003, 0, Entry{})
	s.Set(0x80000004, 0, Entry{})
	return s
}

func TestNormalizeRejectsZeroOrExcessiveVCPUCount(t *testing.T) {
	if _, err := Normalize(baselineStore(), Topology{VCPUIndex: 0, VCPUCount: 0}); err == nil {
		t.Fatalf("expected error for zero vcpu count")
	}
	if _, err := Normalize(baselineStore(), Topology{VCPUIndex: 0, VCPUCount: 129}); err == nil {
		t.Fatalf("expected error for vcpu count over 128")
	}
}

func TestNormalizeLeaf1(t *testing.T) {
	host := baselineStore()
	out, err := Normalize(host, Topology{VCPUIndex: 2, VCPUCount: 3, VCPUsPerCore: 1, CPUBits: 1})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	e, _ := out.Get(1, 0)
	l1 := Leaf1{Entry: e}
	if l1.InitialAPICID() != 2 {
		t.Fatalf("InitialAPICID = %d, want 2", l1.InitialAPICID())
	}
	if l1.ClflushLineSize() != 8 {
		t.Fatalf("ClflushLineSize = %d, want 8", l1.ClflushLineSize())
	}
	if l1.MaxAddressableLP() != 4 { // next power of two >= 3
		t.Fatalf("MaxAddressableLP = %d, want 4", l1.MaxAddressableLP())
	}
	if l1.HypervisorBit() != 1 {
		t.Fatalf("HypervisorBit not set")
	}
	if l1.TSCDeadline() != 1 {
		t.Fatalf("TSCDeadline not set")
	}

	// host should be untouched
	hostEntry, _ := host.Get(1, 0)
	if Leaf1{Entry: hostEntry}.InitialAPICID() != 0 {
		t.Fatalf("Normalize mutated its input host store")
	}
}

func TestNormalizeLeaf4(t *testing.T) {
	out, err := Normalize(baselineStore(), Topology{VCPUIndex: 0, VCPUCount: 4, VCPUsPerCore: 2})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	l1e, _ := out.Get(4, 0)
	l1 := Leaf4{Entry: l1e}
	if v, _ := leaf4EAXSharing.Get(l1.EAX, "max_ids_sharing_cache"); v != 1 { // vcpusPerCore-1
		t.Fatalf("level1 sharing = %d, want 1", v)
	}
	l3e, _ := out.Get(4, 2)
	l3 := Leaf4{Entry: l3e}
	if v, _ := leaf4EAXSharing.Get(l3.EAX, "max_ids_sharing_cache"); v != 3 { // vcpuCount-1
		t.Fatalf("level3 sharing = %d, want 3", v)
	}
	if v, _ := leaf4EAX.Get(l3.EAX, "max_cores_in_package"); v != 1 { // 4/2 - 1
		t.Fatalf("max_cores_in_package = %d, want 1", v)
	}
}

func TestNormalizeLeaf6ClearsTurboAndEPB(t *testing.T) {
	out, err := Normalize(baselineStore(), Topology{VCPUIndex: 0, VCPUCount: 1})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	e, _ := out.Get(6, 0)
	if e.EAX&0b10 != 0 {
		t.Fatalf("turbo boost bit still set")
	}
	if e.ECX&0b1000 != 0 {
		t.Fatalf("energy perf bias bit still set")
	}
}

func TestNormalizeLeafAZeroed(t *testing.T) {
	out, err := Normalize(baselineStore(), Topology{VCPUIndex: 0, VCPUCount: 1})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	e, _ := out.Get(0xA, 0)
	if e != (Entry{}) {
		t.Fatalf("leaf A not zeroed: %+v", e)
	}
}

func TestNormalizeLeafBTopology(t *testing.T) {
	out, err := Normalize(baselineStore(), Topology{VCPUIndex: 5, VCPUCount: 8, CPUBits: 3})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	thread, _ := out.Get(0xB, 0)
	lt := LeafB{Entry: thread}
	if v, _ := leafBEAX.Get(lt.EAX, "shift"); v != 3 {
		t.Fatalf("thread shift = %d, want 3", v)
	}
	if lt.EDX != 5 {
		t.Fatalf("thread x2apic id = %d, want 5", lt.EDX)
	}
	core, _ := out.Get(0xB, 1)
	lc := LeafB{Entry: core}
	if v, _ := leafBEAX.Get(lc.EAX, "shift"); v != 7 {
		t.Fatalf("core shift = %d, want 7", v)
	}
}

func TestNormalizeBrandString(t *testing.T) {
	out, err := Normalize(baselineStore(), Topology{VCPUIndex: 0, VCPUCount: 1, BrandString: "virtual cpu"})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	l2, _ := out.Get(0x80000002, 0)
	if l2.EAX == 0 {
		t.Fatalf("brand string leaf 2 EAX left zero")
	}
}

func TestSupportsIgnoresMaskedBits(t *testing.T) {
	a := NewStore()
	a.Set(1, 0, Entry{EAX: 1, ECX: 1 << 27, EDX: 1 << 28}) // host has OSXSAVE, HTT
	b := NewStore()
	b.Set(1, 0, Entry{EAX: 1, ECX: 0, EDX: 0}) // snapshot source lacks them
	if !Supports(a, b) {
		t.Fatalf("Supports should ignore OSXSAVE/HTT differences")
	}
}

func TestSupportsRejectsMissingFeature(t *testing.T) {
	a := NewStore()
	a.Set(1, 0, Entry{EAX: 1, ECX: 0})
	b := NewStore()
	b.Set(1, 0, Entry{EAX: 1, ECX: 1 << 5}) // feature bit 5 required but absent from a
	if Supports(a, b) {
		t.Fatalf("Supports should reject a missing required feature")
	}
}

func TestSupportsRejectsMissingLeaf(t *testing.T) {
	a := NewStore()
	b := NewStore()
	b.Set(7, 0, Entry{EAX: 1})
	if Supports(a, b) {
		t.Fatalf("Supports should fail when a leaf is entirely absent")
	}
}
