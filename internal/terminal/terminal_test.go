package terminal

import (
	"os"
	"testing"
)

func openDevNull() (*os.File, error) {
	return os.OpenFile(os.DevNull, os.O_RDWR, 0)
}

func TestNewNonTerminalIsNoOp(t *testing.T) {
	// /dev/null is never a terminal, so New should succeed without raw mode.
	f, err := openDevNull()
	if err != nil {
		t.Fatalf("open /dev/null: %v", err)
	}
	defer f.Close()

	a, err := New(int(f.Fd()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	// Restore is idempotent.
	if err := a.Restore(); err != nil {
		t.Fatalf("second Restore: %v", err)
	}
}
