// Package ioevent is the I/O thread's event loop: a single epoll set that
// every device fd, the control-plane bridge's eventfd, and the per-vCPU
// exit fd are registered on, multiplexing an arbitrary, runtime-growing
// set of fds on one thread.
package ioevent

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Subscriber is registered against one or more fds in a Manager's epoll
// set. Process is invoked with the raw epoll event mask for whichever fd
// fired; Ops lets the handler add/remove registrations from inside its own
// callback without deadlocking the manager.
type Subscriber interface {
	Process(fd int, events uint32, ops *Ops)
}

// Ops is handed to a Subscriber's Process call so it can mutate the
// manager's registration set reentrantly.
type Ops struct {
	mgr *Manager
}

// Add registers fd for the given event mask, dispatching to sub.
func (o *Ops) Add(fd int, events uint32, sub Subscriber) error {
	return o.mgr.add(fd, events, sub)
}

// Remove unregisters fd.
func (o *Ops) Remove(fd int) error {
	return o.mgr.remove(fd)
}

// Manager owns one epoll instance and the fd->Subscriber registration
// table backing it.
type Manager struct {
	epfd int

	mu   sync.Mutex
	subs map[int]Subscriber
}

// New creates an epoll instance.
func New() (*Manager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ioevent: epoll_create1: %w", err)
	}
	return &Manager{epfd: epfd, subs: make(map[int]Subscriber)}, nil
}

func (m *Manager) add(fd int, events uint32, sub Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("ioevent: epoll_ctl(ADD, %d): %w", fd, err)
	}
	m.subs[fd] = sub
	return nil
}

// Add registers fd for the given event mask from outside the run loop
// (e.g. during boot, before Run is called).
func (m *Manager) Add(fd int, events uint32, sub Subscriber) error {
	return m.add(fd, events, sub)
}

func (m *Manager) remove(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, fd)
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("ioevent: epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

// Remove unregisters fd from outside the run loop.
func (m *Manager) Remove(fd int) error {
	return m.remove(fd)
}

// Run blocks in epoll_wait, dispatching events to their Subscriber, until
// exitFd becomes readable — the VMM's process-wide exit signal, written by
// a fatal signal handler or the control plane's ShutdownInternal request.
func (m *Manager) Run(exitFd int) error {
	if err := m.add(exitFd, unix.EPOLLIN, nil); err != nil {
		return err
	}
	ops := &Ops{mgr: m}
	events := make([]unix.EpollEvent, 32)
	for {
		n, err := unix.EpollWait(m.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("ioevent: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == exitFd {
				return nil
			}
			m.mu.Lock()
			sub := m.subs[fd]
			m.mu.Unlock()
			if sub != nil {
				sub.Process(fd, events[i].Events, ops)
			}
		}
	}
}

// Close releases the epoll fd.
func (m *Manager) Close() error {
	return unix.Close(m.epfd)
}
