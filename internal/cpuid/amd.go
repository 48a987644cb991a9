package cpuid

import "github.com/go-microvm/vmm/internal/bitfield"

// amd-specific leaves carry the same topology information as their Intel
// counterparts under different leaf numbers, per original_source's
// src/cpuid/src/amd/mod.rs: cache topology moves to 0x8000001D and the
// extended APIC ID moves to 0x8000001E.

var leaf8000001DEAX = leaf4EAX
var leaf8000001DEAXSharing = leaf4EAXSharing

// NormalizeAMD applies the AMD analog of the Intel cache-topology and
// extended-APIC-ID rewrites, after the shared Normalize pass has already
// handled the vendor-independent leaves (1, 6, A, brand string).
func NormalizeAMD(store *Store, topo Topology) error {
	vcpusPerCore := topo.VCPUsPerCore
	if vcpusPerCore == 0 {
		vcpusPerCore = 1
	}

	for _, k := range store.Keys() {
		if k.Leaf != 0x8000001D {
			continue
		}
		e, _ := store.Get(k.Leaf, k.Subleaf)
		l := Leaf4{Entry: e}
		switch l.CacheLevel() {
		case 1, 2:
			if err := setField(leaf8000001DEAXSharing, &l.EAX, "max_ids_sharing_cache", vcpusPerCore-1); err != nil {
				return err
			}
		case 3:
			if err := setField(leaf8000001DEAXSharing, &l.EAX, "max_ids_sharing_cache", topo.VCPUCount-1); err != nil {
				return err
			}
		default:
			continue
		}
		store.Set(k.Leaf, k.Subleaf, l.Entry)
	}

	if e, ok := store.Get(0x8000001E, 0); ok {
		e.EAX = topo.VCPUIndex // extended APIC ID
		store.Set(0x8000001E, 0, e)
	}
	return nil
}

func setField(reg *bitfield.Register[uint32], v *uint32, field string, value uint32) error {
	nv, err := reg.Set(*v, field, uint64(value))
	if err != nil {
		return err
	}
	*v = nv
	return nil
}
