package bitfield

import "testing"

func TestGetSet(t *testing.T) {
	r := Range{Name: "stepping", Start: 0, End: 4}
	var v uint32 = 0
	v2, err := Set(v, r, 9)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := Get(v2, r); got != 9 {
		t.Fatalf("Get = %d, want 9", got)
	}
}

func TestSetOverflow(t *testing.T) {
	r := Range{Name: "stepping", Start: 0, End: 4}
	if _, err := Set[uint32](0, r, 16); err == nil {
		t.Fatalf("expected overflow error for value 16 in a 4-bit range")
	}
}

func TestFlagIsSingleBit(t *testing.T) {
	f := Flag("hypervisor", 31)
	if f.Width() != 1 {
		t.Fatalf("flag width = %d, want 1", f.Width())
	}
	if f.Max() != 1 {
		t.Fatalf("flag max = %d, want 1", f.Max())
	}
}

func TestRegisterNamedFields(t *testing.T) {
	reg := NewRegister[uint32]("leaf1.eax",
		Range{Name: "stepping", Start: 0, End: 4},
		Range{Name: "model", Start: 4, End: 8},
		Range{Name: "family", Start: 8, End: 12},
	)
	v, err := reg.Set(0, "family", 6)
	if err != nil {
		t.Fatalf("Set family: %v", err)
	}
	v, err = reg.Set(v, "model", 15)
	if err != nil {
		t.Fatalf("Set model: %v", err)
	}
	family, _ := reg.Get(v, "family")
	model, _ := reg.Get(v, "model")
	if family != 6 || model != 15 {
		t.Fatalf("family=%d model=%d, want 6 and 15", family, model)
	}
}

func TestRegisterUnknownField(t *testing.T) {
	reg := NewRegister[uint32]("leaf1.eax", Range{Name: "stepping", Start: 0, End: 4})
	if _, err := reg.Get(0, "nope"); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestAddSubOverflowUnderflow(t *testing.T) {
	reg := NewRegister[uint32]("leafb.ebx", Range{Name: "count", Start: 0, End: 8})
	v, _ := reg.Set(0, "count", 250)
	if _, err := reg.Add(v, "count", 10); err == nil {
		t.Fatalf("expected overflow adding past max")
	}
	if _, err := reg.Sub(uint32(0), "count", 1); err == nil {
		t.Fatalf("expected underflow subtracting from zero")
	}
}

func TestEqualModuloUndefined(t *testing.T) {
	var a uint32 = 0b1010_1010
	var b uint32 = 0b1010_0010 // differs only in bit 3, which is "undefined"
	undefined := uint32(1 << 3)
	if !EqualModuloUndefined(a, b, undefined) {
		t.Fatalf("expected equal modulo undefined bit 3")
	}
	if EqualModuloUndefined(a, b, 0) {
		t.Fatalf("expected unequal when no bits are undefined")
	}
}

func TestSetAlgebra(t *testing.T) {
	a := uint64(0b1110)
	b := uint64(0b0110)
	if !Subset(b, a) {
		t.Fatalf("b should be a subset of a")
	}
	if !Superset(a, b) {
		t.Fatalf("a should be a superset of b")
	}
	if Disjoint(a, b) {
		t.Fatalf("a and b share bits, should not be disjoint")
	}
	if Intersect(a, b) != b {
		t.Fatalf("intersect(a,b) = %b, want %b", Intersect(a, b), b)
	}
	if Union(a, b) != a {
		t.Fatalf("union(a,b) = %b, want %b", Union(a, b), a)
	}
	if !Disjoint(uint64(0b1000), uint64(0b0110)) {
		t.Fatalf("expected disjoint")
	}
}
