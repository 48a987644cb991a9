// Package signals installs the process-wide fatal-signal handler that
// maps SIGBUS/SIGSEGV/SIGXFSZ/SIGXCPU/SIGPIPE/SIGHUP/SIGILL/SIGSYS to the
// typed exit codes in the external-interface table, and writes the VMM's
// exit eventfd so the I/O thread's epoll loop wakes up and stops
// deterministically instead of the process dying mid-teardown.
package signals

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/go-microvm/vmm/internal/obs"
)

// ExitCode mirrors the process exit-code table.
type ExitCode int

const (
	Ok                ExitCode = 0
	GenericError      ExitCode = 1
	UnexpectedError   ExitCode = 2
	BadSyscall        ExitCode = 148
	SIGBUS            ExitCode = 149
	SIGSEGV           ExitCode = 150
	SIGXFSZ           ExitCode = 151
	BadConfiguration  ExitCode = 152
	ArgParsing        ExitCode = 153
	SIGXCPU           ExitCode = 154
	SIGPIPE           ExitCode = 155
	SIGHUP            ExitCode = 156
	SIGILL            ExitCode = 157
)

var signalExitCodes = map[os.Signal]ExitCode{
	unix.SIGBUS:  SIGBUS,
	unix.SIGSEGV: SIGSEGV,
	unix.SIGXFSZ: SIGXFSZ,
	unix.SIGXCPU: SIGXCPU,
	unix.SIGPIPE: SIGPIPE,
	unix.SIGHUP:  SIGHUP,
	unix.SIGILL:  SIGILL,
	unix.SIGSYS:  BadSyscall,
}

// Handler owns the signal channel and the exit eventfd that the I/O
// thread's epoll set watches for a fatal-signal wakeup.
type Handler struct {
	exitFd int
	sigCh  chan os.Signal

	once sync.Once
	code ExitCode
	mu   sync.Mutex

	panicRestore func()
}

// Install starts the signal handler goroutine. onPanicRestore is stored on
// the Handler but never called: RecoverAndExit does not read it and runs
// only the callback passed to it directly.
func Install(exitFd int, onPanicRestore func()) *Handler {
	h := &Handler{
		exitFd:       exitFd,
		sigCh:        make(chan os.Signal, 8),
		panicRestore: onPanicRestore,
	}
	signal.Notify(h.sigCh,
		unix.SIGBUS, unix.SIGSEGV, unix.SIGXFSZ, unix.SIGXCPU,
		unix.SIGPIPE, unix.SIGHUP, unix.SIGILL, unix.SIGSYS)
	go h.loop()
	return h
}

func (h *Handler) loop() {
	for sig := range h.sigCh {
		code, ok := signalExitCodes[sig]
		if !ok {
			continue
		}
		obs.L().WithField("signal", sig.String()).Error("fatal signal received, stopping VMM")
		h.setExitCode(code)
		h.wake()
	}
}

func (h *Handler) setExitCode(code ExitCode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.code = code
}

// ExitCode returns the exit code recorded by the last fatal signal, or Ok
// if none has fired.
func (h *Handler) ExitCode() ExitCode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

func (h *Handler) wake() {
	h.once.Do(func() {
		var one [8]byte
		one[0] = 1
		_, _ = unix.Write(h.exitFd, one[:])
	})
}

// Stop halts signal delivery to this handler.
func (h *Handler) Stop() {
	signal.Stop(h.sigCh)
	close(h.sigCh)
}

// RecoverAndExit should be deferred in main(): on a recovered panic it
// restores the terminal and flushes metrics via onPanicRestore, logs the
// panic, then re-panics so the process still terminates with a non-zero
// status (the runtime's own exit code, not one from the table above —
// the table covers signals, not Go panics).
func RecoverAndExit(onPanicRestore func()) {
	if r := recover(); r != nil {
		if onPanicRestore != nil {
			onPanicRestore()
		}
		obs.L().WithField("panic", r).Error("unrecovered panic, exiting")
		panic(r)
	}
}

// ExitProcess terminates the process with the given code, after the
// caller has finished its own teardown (terminal restore, metrics flush).
func ExitProcess(code ExitCode) {
	os.Exit(int(code))
}
