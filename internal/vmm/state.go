package vmm

import (
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"
)

// VCPURPCTimeout bounds how long the management bridge waits for a vCPU to
// acknowledge a control command (Pause/Resume) before giving up. A vCPU
// stuck this long is treated as unresponsive rather than blocking the
// control plane forever.
const VCPURPCTimeout = 30 * time.Second

// VCPUState is the three-state machine every vCPU thread runs: Paused at
// creation and after a Pause RPC, Running while looping on KVM_RUN, and
// Exited once its thread has returned (guest shutdown, fatal error, or a
// Finish RPC during teardown).
type VCPUState int

const (
	VCPUPaused VCPUState = iota
	VCPURunning
	VCPUExited
)

func (s VCPUState) String() string {
	switch s {
	case VCPUPaused:
		return "paused"
	case VCPURunning:
		return "running"
	case VCPUExited:
		return "exited"
	default:
		return "unknown"
	}
}

// VCPUCommand is sent down a vCPU's single-producer control channel by the
// VMM thread.
type VCPUCommand int

const (
	CmdResume VCPUCommand = iota
	CmdPause
	CmdFinish
)

// kickSignal interrupts a vCPU thread blocked in the KVM_RUN ioctl so it
// can notice a pending Pause/Finish command without KVM itself exiting.
// Grounded on original_source's dedicated real-time signal + tgkill kick;
// signal 34 is SIGRTMIN, the first real-time signal glibc leaves free.
const kickSignal = unix.Signal(34)

func init() {
	// Registering a Notify channel keeps kick signal delivery active (instead
	// of terminating the process, its default disposition) without this
	// package needing to react to it — the side effect that matters is a
	// blocked syscall on the kicked OS thread returning EINTR.
	notifyCh := make(chan os.Signal, 1)
	signal.Notify(notifyCh, kickSignal)
	go func() {
		for range notifyCh {
		}
	}()
}
