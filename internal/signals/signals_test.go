package signals

import (
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestFatalSignalWritesExitFdAndRecordsCode(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	h := Install(fds[1], nil)
	defer h.Stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("kill: %v", err)
	}

	buf := make([]byte, 8)
	readDone := make(chan error, 1)
	go func() {
		_, err := unix.Read(fds[0], buf)
		readDone <- err
	}()

	select {
	case err := <-readDone:
		if err != nil {
			t.Fatalf("read exit fd: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for exit fd write")
	}

	time.Sleep(10 * time.Millisecond) // let the handler goroutine record the code
	if h.ExitCode() != SIGHUP {
		t.Fatalf("ExitCode = %d, want %d (SIGHUP)", h.ExitCode(), SIGHUP)
	}
}
