package mgmt

import (
	"testing"
	"time"
)

func TestUnboundedQueuePushPopOrder(t *testing.T) {
	q := newUnboundedQueue[int]()
	q.Push(1)
	q.Push(2)
	q.Push(3)
	for _, want := range []int{1, 2, 3} {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Fatalf("Pop() = (%d, %v), want (%d, true)", got, ok, want)
		}
	}
}

func TestUnboundedQueueTryPopEmpty(t *testing.T) {
	q := newUnboundedQueue[int]()
	if _, ok := q.TryPop(); ok {
		t.Fatalf("TryPop() on empty queue returned ok=true")
	}
	q.Push(42)
	v, ok := q.TryPop()
	if !ok || v != 42 {
		t.Fatalf("TryPop() = (%d, %v), want (42, true)", v, ok)
	}
}

func TestUnboundedQueuePopBlocksUntilPush(t *testing.T) {
	q := newUnboundedQueue[string]()
	done := make(chan string, 1)
	go func() {
		v, _ := q.Pop()
		done <- v
	}()

	select {
	case <-done:
		t.Fatalf("Pop() returned before any Push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("hello")
	select {
	case v := <-done:
		if v != "hello" {
			t.Fatalf("Pop() = %q, want %q", v, "hello")
		}
	case <-time.After(time.Second):
		t.Fatalf("Pop() never returned after Push")
	}
}

func TestUnboundedQueueCloseUnblocksPop(t *testing.T) {
	q := newUnboundedQueue[int]()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("Pop() after Close() returned ok=true")
		}
	case <-time.After(time.Second):
		t.Fatalf("Pop() never unblocked after Close")
	}
}
