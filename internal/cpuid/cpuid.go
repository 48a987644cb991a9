// Package cpuid models a guest's CPUID leaf table as a Store and provides
// the per-vCPU normalization that rewrites a handful of leaves so a guest
// observes a stable, migration-safe topology instead of whatever the host
// happened to report. Grounded on original_source/src/cpuid's Leaf/Store
// model, with the Intel-specific static leaf structs collapsed into
// bitfield.Register-backed views shared across vendors.
package cpuid

import "sort"

// Key identifies one CPUID query: EAX=Leaf, ECX=Subleaf.
type Key struct {
	Leaf    uint32
	Subleaf uint32
}

// Entry is the four output registers for a single CPUID query.
type Entry struct {
	EAX, EBX, ECX, EDX uint32
}

// Store is the full set of CPUID leaves reported to one vCPU.
type Store struct {
	entries map[Key]Entry
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{entries: make(map[Key]Entry)}
}

// Set installs or overwrites the entry for (leaf, subleaf).
func (s *Store) Set(leaf, subleaf uint32, e Entry) {
	s.entries[Key{Leaf: leaf, Subleaf: subleaf}] = e
}

// Get looks up (leaf, subleaf).
func (s *Store) Get(leaf, subleaf uint32) (Entry, bool) {
	e, ok := s.entries[Key{Leaf: leaf, Subleaf: subleaf}]
	return e, ok
}

// Keys returns every (leaf, subleaf) pair, in ascending order — used by the
// hypervisor layer to build the KVM_SET_CPUID2 entry list deterministically
// so snapshots produce byte-identical output given identical inputs.
func (s *Store) Keys() []Key {
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Leaf != keys[j].Leaf {
			return keys[i].Leaf < keys[j].Leaf
		}
		return keys[i].Subleaf < keys[j].Subleaf
	})
	return keys
}

// Clone returns a deep copy, used before normalizing so the host-reported
// baseline is never mutated in place.
func (s *Store) Clone() *Store {
	out := NewStore()
	for k, v := range s.entries {
		out.entries[k] = v
	}
	return out
}
