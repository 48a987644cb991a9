// Package terminal switches the controlling terminal into raw,
// non-blocking mode for the duration of a guest console session bound to
// stdin/stdout, and restores it on every exit path.
package terminal

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/term"
)

// Adapter owns the saved terminal state needed to restore canonical mode.
type Adapter struct {
	fd       int
	state    *term.State
	mu       sync.Mutex
	restored bool
}

// New switches fd (typically os.Stdin.Fd()) into raw mode if it is a
// terminal, returning an Adapter whose Restore must be called on every
// exit path. If fd is not a terminal, New returns a no-op Adapter so
// callers don't need to special-case non-interactive runs.
func New(fd int) (*Adapter, error) {
	if !term.IsTerminal(fd) {
		return &Adapter{fd: fd, restored: true}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("terminal: entering raw mode: %w", err)
	}
	return &Adapter{fd: fd, state: state}, nil
}

// Restore returns the terminal to canonical mode. Safe to call multiple
// times and from a panic-recovery path; only the first call has effect.
func (a *Adapter) Restore() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.restored {
		return nil
	}
	a.restored = true
	if a.state == nil {
		return nil
	}
	if err := term.Restore(a.fd, a.state); err != nil {
		return fmt.Errorf("terminal: restoring canonical mode: %w", err)
	}
	return nil
}

// StdinAdapter is a convenience constructor over os.Stdin's fd.
func StdinAdapter() (*Adapter, error) {
	return New(int(os.Stdin.Fd()))
}
