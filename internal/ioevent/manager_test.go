package ioevent

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type countingSubscriber struct {
	fired chan uint32
}

func (c *countingSubscriber) Process(fd int, events uint32, ops *Ops) {
	c.fired <- events
}

func TestManagerDispatchesOnReadableFd(t *testing.T) {
	mgr, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mgr.Close()

	r, w, err := pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(r)
	defer unix.Close(w)

	sub := &countingSubscriber{fired: make(chan uint32, 1)}
	if err := mgr.Add(r, unix.EPOLLIN, sub); err != nil {
		t.Fatalf("Add: %v", err)
	}

	exitR, exitW, err := pipe()
	if err != nil {
		t.Fatalf("exit pipe: %v", err)
	}
	defer unix.Close(exitR)
	defer unix.Close(exitW)

	done := make(chan error, 1)
	go func() { done <- mgr.Run(exitR) }()

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ev := <-sub.fired:
		if ev&unix.EPOLLIN == 0 {
			t.Fatalf("expected EPOLLIN in event mask, got %x", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}

	if _, err := unix.Write(exitW, []byte("x")); err != nil {
		t.Fatalf("write exit: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Run to exit")
	}
}

func pipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}
