package cpuid

// DefaultBaseline returns a minimal CPUID table covering the leaves
// Normalize rewrites, standing in for a host-read baseline. Go has no
// portable way to execute the CPUID instruction without cgo or assembly,
// which this module avoids; the values here are deliberately conservative
// (no vendor-specific feature bits set beyond what a guest must see to
// reach protected mode) since the actual feature set offered to the guest
// is whatever the host KVM reports once KVM_SET_CPUID2 is wired in.
func DefaultBaseline() *Store {
	s := NewStore()
	s.Set(0, 0, Entry{EAX: 0xD, EBX: 0x756e6547, ECX: 0x6c65746e, EDX: 0x49656e69}) // "GenuineIntel"
	s.Set(1, 0, Entry{EAX: 0x000306C3, ECX: 0, EDX: 1 << 0})                       // stepping/model/family; FPU present
	s.Set(4, 0, Entry{EAX: cacheLevelEAX(1)}) // L1 data cache
	s.Set(4, 1, Entry{EAX: cacheLevelEAX(1)}) // L1 instruction cache
	s.Set(4, 2, Entry{EAX: cacheLevelEAX(2)}) // L2 cache
	s.Set(4, 3, Entry{EAX: cacheLevelEAX(3)}) // L3 cache
	s.Set(6, 0, Entry{EAX: 0})
	s.Set(0xA, 0, Entry{})
	s.Set(0xB, 0, Entry{})
	s.Set(0xB, 1, Entry{})
	s.Set(0x80000000, 0, Entry{EAX: 0x80000004})
	s.Set(0x80000002, 0, Entry{})
	s.Set(0x80000003, 0, Entry{})
	s.Set(0x80000004, 0, Entry{})
	return s
}

// cacheLevelEAX builds a leaf-4 EAX value whose cache_level field is level
// and nothing else, so normalization's cache-sharing rewrite has a valid
// starting point to edit.
func cacheLevelEAX(level uint32) uint32 {
	v, err := leaf4EAX.Set(0, "cache_level", uint64(level))
	if err != nil {
		panic(err) // level is always in range for the 3-bit field
	}
	return v
}
