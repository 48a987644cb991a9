package memory

import "testing"

func TestAddRegionAndReadWrite(t *testing.T) {
	s := NewSpace()
	r, err := s.AddRegion(0, 4096)
	if err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	defer s.Close()
	if r.Slot != 0 {
		t.Fatalf("slot = %d, want 0", r.Slot)
	}

	payload := []byte{1, 2, 3, 4}
	if err := s.Write(100, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := make([]byte, 4)
	if err := s.Read(100, out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := range payload {
		if out[i] != payload[i] {
			t.Fatalf("Read mismatch at %d: got %d want %d", i, out[i], payload[i])
		}
	}
}

func TestMultipleRegionsOrderedByBase(t *testing.T) {
	s := NewSpace()
	defer s.Close()
	if _, err := s.AddRegion(0x100000, 4096); err != nil {
		t.Fatalf("AddRegion high: %v", err)
	}
	if _, err := s.AddRegion(0, 4096); err != nil {
		t.Fatalf("AddRegion low: %v", err)
	}
	regions := s.Regions()
	if regions[0].GuestBase != 0 || regions[1].GuestBase != 0x100000 {
		t.Fatalf("regions not sorted by base: %+v", regions)
	}
	if s.TotalSize() != 8192 {
		t.Fatalf("TotalSize = %d, want 8192", s.TotalSize())
	}
}

func TestAccessOutsideAnyRegionFails(t *testing.T) {
	s := NewSpace()
	defer s.Close()
	if _, err := s.AddRegion(0, 4096); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if err := s.Write(8192, []byte{1}); err == nil {
		t.Fatalf("expected error writing outside region")
	}
}

func TestSliceReturnsMutableView(t *testing.T) {
	s := NewSpace()
	defer s.Close()
	if _, err := s.AddRegion(0, 4096); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	view, err := s.Slice(10, 4)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	view[0] = 0xAB
	out := make([]byte, 1)
	if err := s.Read(10, out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out[0] != 0xAB {
		t.Fatalf("Slice view not backed by the same memory: got %x", out[0])
	}
}
