package vmm

import (
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/go-microvm/vmm/internal/hypervisor"
	"github.com/go-microvm/vmm/internal/obs"
)

// VCPU is one KVM virtual CPU and the OS thread permanently bound to it.
// A vCPU is always in exactly one of VCPUPaused, VCPURunning, VCPUExited;
// the VMM drives transitions by sending a VCPUCommand down cmdCh and, if
// the thread is blocked in KVM_RUN, kicking it with kickSignal so it can
// notice the command.
type VCPU struct {
	id  int
	fd  int
	vm  *VirtualMachine
	run *hypervisor.KvmRun
	mm  []byte

	cmdCh chan VCPUCommand
	ackCh chan error
	tid   int

	state      VCPUState
	pendingCmd VCPUCommand
	lastErr    error
}

func newVCPU(vm *VirtualMachine, id int) (*VCPU, error) {
	fd, err := hypervisor.DoKVMCreateVCPU(vm.vmFD, id)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: KVM_CREATE_VCPU: %w", id, err)
	}

	mmapSize, err := hypervisor.DoKVMGetVCPUMMapSize(vm.kvmFD)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vcpu %d: KVM_GET_VCPU_MMAP_SIZE: %w", id, err)
	}

	mm, err := unix.Mmap(fd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vcpu %d: mmap kvm_run: %w", id, err)
	}

	vcpu := &VCPU{
		id:    id,
		fd:    fd,
		vm:    vm,
		run:   (*hypervisor.KvmRun)(unsafe.Pointer(&mm[0])),
		mm:    mm,
		cmdCh: make(chan VCPUCommand, 1),
		ackCh: make(chan error, 1),
		state: VCPUPaused,
	}

	if err := vcpu.initRegisters(vm.bootRIP, vm.gdtBase, uint16(len(vm.gdtBytes)-1)); err != nil {
		vcpu.close()
		return nil, fmt.Errorf("vcpu %d: %w", id, err)
	}
	return vcpu, nil
}

// initRegisters puts the vCPU in the flat protected-mode state this VMM
// boots every guest in: paging disabled, a single 16-bit-default flat code
// segment active via the hidden descriptor cache, and CS reloaded from the
// GDT the moment the guest's first instruction performs a far jump.
func (vcpu *VCPU) initRegisters(rip, gdtBase uint64, gdtLimit uint16) error {
	sregs, err := hypervisor.DoKVMGetSregs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_SREGS: %w", err)
	}

	flat := hypervisor.KvmSegment{
		Base: 0, Limit: 0xFFFFFFFF, Selector: 0,
		Type: 11, Present: 1, DPL: 0, S: 1, G: 1, DB: 0,
	}
	sregs.CS = flat
	sregs.CS.Type = 11 // execute/read

	data := flat
	data.Type = 3 // read/write
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data

	sregs.GDT = hypervisor.KvmDtable{Base: gdtBase, Limit: gdtLimit}
	sregs.CR0 |= 1 // PE: this VMM always boots the guest in protected mode

	if err := hypervisor.DoKVMSetSregs(vcpu.fd, sregs); err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}

	regs := &hypervisor.KvmRegs{RFLAGS: 0x2, RIP: rip}
	if err := hypervisor.DoKVMSetRegs(vcpu.fd, regs); err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w", err)
	}
	return nil
}

// loop is the vCPU's dedicated goroutine body. It is launched once from
// VirtualMachine.Run and locks itself to one OS thread for its entire
// life, since KVM requires every ioctl on a vcpu fd to come from the
// thread that last ran KVM_RUN.
func (vcpu *VCPU) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	vcpu.tid = unix.Gettid()

	log := obs.L().WithField("vcpu", vcpu.id)

	for {
		cmd := <-vcpu.cmdCh
		switch cmd {
		case CmdFinish:
			vcpu.ackCh <- nil
			vcpu.setState(VCPUExited)
			vcpu.vm.reportVCPUExit(vcpu.id, nil)
			return
		case CmdPause:
			// Already paused; nothing to do but acknowledge.
			vcpu.ackCh <- nil
			continue
		case CmdResume:
			// fall through to the run loop below
		}

		vcpu.setState(VCPURunning)
		vcpu.ackCh <- nil

		err := vcpu.runUntilPauseOrExit()
		if err != nil {
			log.WithError(err).Error("vcpu exited with error")
			vcpu.lastErr = err
			vcpu.setState(VCPUExited)
			vcpu.vm.reportVCPUExit(vcpu.id, err)
			return
		}

		// runUntilPauseOrExit returns nil only when it drained a
		// Pause or Finish command; loop back to read it again from
		// the now-empty channel is wrong since it already consumed
		// the command. Instead it leaves vcpu.pendingCmd set.
		switch vcpu.pendingCmd {
		case CmdFinish:
			vcpu.setState(VCPUExited)
			vcpu.vm.reportVCPUExit(vcpu.id, nil)
			return
		case CmdPause:
			vcpu.setState(VCPUPaused)
		}
	}
}

func (vcpu *VCPU) setState(s VCPUState) {
	vcpu.vm.mu.Lock()
	vcpu.state = s
	vcpu.vm.mu.Unlock()
}

func (vcpu *VCPU) getState() VCPUState {
	vcpu.vm.mu.Lock()
	defer vcpu.vm.mu.Unlock()
	return vcpu.state
}

// runUntilPauseOrExit calls KVM_RUN in a loop, dispatching exits to the
// bus, until a control command arrives on cmdCh (recorded in
// vcpu.pendingCmd) or the guest triggers an unrecoverable exit.
func (vcpu *VCPU) runUntilPauseOrExit() error {
	log := obs.L().WithField("vcpu", vcpu.id)

	for {
		select {
		case cmd := <-vcpu.cmdCh:
			vcpu.ackCh <- nil
			if cmd != CmdResume {
				vcpu.pendingCmd = cmd
				return nil
			}
		default:
		}

		if vcpu.id == 0 {
			vcpu.vm.checkPendingInterrupts()
		}

		if err := hypervisor.DoKVMRun(vcpu.fd); err != nil {
			return fmt.Errorf("KVM_RUN: %w", err)
		}

		switch vcpu.run.ExitReason {
		case hypervisor.KVM_EXIT_IO:
			direction, size, port, count, dataOffset := vcpu.run.IO()
			base := uintptr(unsafe.Pointer(vcpu.run)) + uintptr(dataOffset)
			for i := uint32(0); i < count; i++ {
				data := unsafe.Slice((*byte)(unsafe.Pointer(base+uintptr(i)*uintptr(size))), size)
				if err := vcpu.vm.handleIO(port, direction, size, data); err != nil {
					log.WithError(err).WithField("port", port).Warn("unhandled port I/O")
				}
			}

		case hypervisor.KVM_EXIT_MMIO:
			physAddr, data, length, isWrite := vcpu.run.MMIO()
			if err := vcpu.vm.handleMMIO(physAddr, data[:length], isWrite); err != nil {
				log.WithError(err).WithField("addr", physAddr).Warn("unhandled MMIO access")
			}

		case hypervisor.KVM_EXIT_HLT:
			if vcpu.id == 0 {
				vcpu.vm.checkPendingInterrupts()
			}

		case hypervisor.KVM_EXIT_SHUTDOWN:
			return fmt.Errorf("KVM_EXIT_SHUTDOWN: guest triple fault")

		case hypervisor.KVM_EXIT_FAIL_ENTRY:
			return fmt.Errorf("KVM_EXIT_FAIL_ENTRY")

		case hypervisor.KVM_EXIT_INTERNAL_ERROR:
			return fmt.Errorf("KVM_EXIT_INTERNAL_ERROR")

		case hypervisor.KVM_EXIT_UNKNOWN, hypervisor.KVM_EXIT_INTR:
			// Spurious wakeup (e.g. the kick signal interrupted
			// KVM_RUN before any real exit). Loop and check cmdCh
			// again.

		default:
			log.WithField("reason", vcpu.run.ExitReason).Warn("unhandled KVM exit reason")
		}
	}
}

func (vcpu *VCPU) kick() {
	if vcpu.tid != 0 {
		_ = unix.Tgkill(unix.Getpid(), vcpu.tid, kickSignal)
	}
}

// sendCommand delivers cmd to the vCPU thread, kicking it out of KVM_RUN
// if necessary, and waits for acknowledgement.
func (vcpu *VCPU) sendCommand(cmd VCPUCommand) error {
	vcpu.cmdCh <- cmd
	vcpu.kick()
	return <-vcpu.ackCh
}

// sendCommandTimeout is sendCommand bounded by timeout, used by the
// management bridge's Pause/Resume RPCs so a wedged vCPU thread cannot
// block the control plane forever.
func (vcpu *VCPU) sendCommandTimeout(cmd VCPUCommand, timeout time.Duration) error {
	vcpu.cmdCh <- cmd
	vcpu.kick()
	select {
	case err := <-vcpu.ackCh:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("vcpu %d: timed out after %s waiting for command ack", vcpu.id, timeout)
	}
}

// Regs and Sregs read back the vCPU's general-purpose and special
// register files, for the snapshot engine. Only safe to call while the
// vCPU is paused.
func (vcpu *VCPU) Regs() (*hypervisor.KvmRegs, error) {
	return hypervisor.DoKVMGetRegs(vcpu.fd)
}

func (vcpu *VCPU) Sregs() (*hypervisor.KvmSregs, error) {
	return hypervisor.DoKVMGetSregs(vcpu.fd)
}

// SetRegs and SetSregs restore a vCPU's register files from a snapshot.
// Only safe to call while the vCPU is paused.
func (vcpu *VCPU) SetRegs(regs *hypervisor.KvmRegs) error {
	return hypervisor.DoKVMSetRegs(vcpu.fd, regs)
}

func (vcpu *VCPU) SetSregs(sregs *hypervisor.KvmSregs) error {
	return hypervisor.DoKVMSetSregs(vcpu.fd, sregs)
}

// ID is the vCPU's index, 0-based.
func (vcpu *VCPU) ID() int { return vcpu.id }

func (vcpu *VCPU) close() {
	if vcpu.mm != nil {
		_ = unix.Munmap(vcpu.mm)
		vcpu.mm = nil
		vcpu.run = nil
	}
	if vcpu.fd != 0 {
		_ = unix.Close(vcpu.fd)
		vcpu.fd = 0
	}
}
