// Package hypervisor wraps the /dev/kvm ioctl surface: VM/vCPU creation,
// memory slot registration, register access, and the KVM_RUN exit
// protocol. Ioctl numbers and struct layouts are taken from the kernel's
// <linux/kvm.h> ABI, not derived — they must match the host kernel
// exactly or every ioctl below fails with EINVAL.
package hypervisor

import (
	"syscall"
	"unsafe"
)

// KVM ioctl request codes, encoded the same way the kernel's _IO/_IOR/_IOW
// macros do for the 0xAE ('kvm') ioctl type.
const (
	KVM_GET_API_VERSION       = 44544
	KVM_CREATE_VM             = 44545
	KVM_GET_VCPU_MMAP_SIZE    = 44548
	KVM_CREATE_VCPU           = 44609
	KVM_RUN                   = 44672
	KVM_GET_REGS              = 0x8090ae81
	KVM_SET_REGS              = 0x4090ae82
	KVM_GET_SREGS             = 0x8138ae83
	KVM_SET_SREGS             = 0x4138ae84
	KVM_SET_USER_MEMORY_REGION = 1075883590
	KVM_SET_TSS_ADDR          = 0xae47
	KVM_SET_IDENTITY_MAP_ADDR = 0x4008AE48
	KVM_CREATE_IRQCHIP        = 0xAE60
	KVM_CREATE_PIT2           = 0x4040AE77
	KVM_GET_SUPPORTED_CPUID   = 0xC008AE05
	KVM_SET_CPUID2            = 0x4008AE90
	KVM_IRQ_LINE              = 0xc008ae67
	KVM_INTERRUPT             = 0x4004AE86
	KVM_GET_DIRTY_LOG         = 0x4010AE42
	KVM_IOEVENTFD             = 0x4040AE79
	KVM_IRQFD                 = 0x4020AE76

	// KVM_IOEVENTFD flags (struct kvm_ioeventfd.flags).
	KVM_IOEVENTFD_FLAG_DATAMATCH = 1 << 0
	KVM_IOEVENTFD_FLAG_PIO       = 1 << 1
	KVM_IOEVENTFD_FLAG_DEASSIGN  = 1 << 2

	// KVM exit reasons, as reported in KvmRun.ExitReason.
	KVM_EXIT_UNKNOWN       = 0
	KVM_EXIT_EXCEPTION     = 1
	KVM_EXIT_IO            = 2
	KVM_EXIT_HYPERCALL     = 3
	KVM_EXIT_DEBUG         = 4
	KVM_EXIT_HLT           = 5
	KVM_EXIT_MMIO          = 6
	KVM_EXIT_IRQ_WINDOW_OPEN = 7
	KVM_EXIT_SHUTDOWN      = 8
	KVM_EXIT_FAIL_ENTRY    = 9
	KVM_EXIT_INTR          = 10
	KVM_EXIT_INTERNAL_ERROR = 17

	// KVM_EXIT_IO directions.
	KVM_EXIT_IO_IN  = 0
	KVM_EXIT_IO_OUT = 1

	kvmNumInterrupts = 0x100
)

// KvmUserspaceMemoryRegion registers one guest-physical-address slot
// backed by host userspace memory, via KVM_SET_USER_MEMORY_REGION.
type KvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// KvmRegs is the general-purpose register file (KVM_GET_REGS/KVM_SET_REGS).
type KvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// KvmSegment is one segment register (CS, DS, ... ) plus its descriptor
// cache attributes.
type KvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// KvmDtable is a descriptor table register (GDTR/IDTR).
type KvmDtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// KvmSregs is the special-register file (KVM_GET_SREGS/KVM_SET_SREGS).
type KvmSregs struct {
	CS, DS, ES, FS, GS, SS KvmSegment
	TR, LDT                KvmSegment
	GDT, IDT               KvmDtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(kvmNumInterrupts + 63) / 64]uint64
}

// KvmRun is the mmap'd control structure shared with the kernel across
// KVM_RUN calls. Only the fields read by the exit-reason switch in
// internal/vmm are named; the exit-specific union members (io, mmio,
// fail_entry, ...) are decoded out of the raw Data words by the vCPU
// loop, matching how the kernel actually lays out the union.
type KvmRun struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the KVM_EXIT_IO union out of Data, returning
// (direction, size, port, count, dataOffset).
func (r *KvmRun) IO() (direction, size uint8, port uint16, count uint32, dataOffset uint64) {
	word0 := r.Data[0]
	direction = uint8(word0 & 0xFF)
	size = uint8((word0 >> 8) & 0xFF)
	port = uint16((word0 >> 16) & 0xFFFF)
	count = uint32((word0 >> 32) & 0xFFFFFFFF)
	dataOffset = r.Data[1]
	return
}

// MMIO decodes the KVM_EXIT_MMIO union out of Data, returning
// (physAddr, data, length, isWrite). The 8 bytes of MMIO payload are
// packed into Data[1] and Data[2] the way the kernel's
// `struct kvm_run.mmio` lays them out after `phys_addr`.
func (r *KvmRun) MMIO() (physAddr uint64, data [8]byte, length uint32, isWrite bool) {
	physAddr = r.Data[0]
	for i := 0; i < 8; i++ {
		data[i] = byte(r.Data[1] >> (8 * uint(i)))
	}
	length = uint32(r.Data[2] & 0xFFFFFFFF)
	isWrite = (r.Data[2]>>32)&0x1 != 0
	return
}

// KvmIrqLevel is used with KVM_IRQ_LINE to raise or lower an
// interrupt line on the in-kernel PIC/IOAPIC.
type KvmIrqLevel struct {
	IRQ   uint32
	Level uint32
}

func ioctl(fd int, op uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), op, arg)
	if errno != 0 {
		return res, errno
	}
	return res, nil
}

// DoKVMCreateVM issues KVM_CREATE_VM against the /dev/kvm fd.
func DoKVMCreateVM(kvmFD int) (int, error) {
	fd, err := ioctl(kvmFD, KVM_CREATE_VM, 0)
	return int(fd), err
}

// DoKVMGetVCPUMMapSize returns the size to mmap for each vCPU's KvmRun.
func DoKVMGetVCPUMMapSize(kvmFD int) (int, error) {
	size, err := ioctl(kvmFD, KVM_GET_VCPU_MMAP_SIZE, 0)
	return int(size), err
}

// DoKVMCreateVCPU issues KVM_CREATE_VCPU against the VM fd.
func DoKVMCreateVCPU(vmFD int, vcpuID int) (int, error) {
	fd, err := ioctl(vmFD, KVM_CREATE_VCPU, uintptr(vcpuID))
	return int(fd), err
}

// DoKVMSetUserMemoryRegion registers a guest memory slot.
func DoKVMSetUserMemoryRegion(vmFD int, slot uint32, guestPhysAddr, memorySize uint64, userspaceAddr uintptr) error {
	region := KvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    memorySize,
		UserspaceAddr: uint64(userspaceAddr),
	}
	_, err := ioctl(vmFD, KVM_SET_USER_MEMORY_REGION, uintptr(unsafe.Pointer(&region)))
	return err
}

// DoKVMSetTSSAddr configures the three-page TSS area Intel hosts require.
func DoKVMSetTSSAddr(vmFD int, addr uint64) error {
	_, err := ioctl(vmFD, KVM_SET_TSS_ADDR, uintptr(addr))
	return err
}

// DoKVMSetIdentityMapAddr configures the identity-mapped page table area
// Intel hosts require for real-mode/paging transitions.
func DoKVMSetIdentityMapAddr(vmFD int, addr uint64) error {
	_, err := ioctl(vmFD, KVM_SET_IDENTITY_MAP_ADDR, uintptr(unsafe.Pointer(&addr)))
	return err
}

// DoKVMCreateIRQChip creates the in-kernel PIC/IOAPIC model.
func DoKVMCreateIRQChip(vmFD int) error {
	_, err := ioctl(vmFD, KVM_CREATE_IRQCHIP, 0)
	return err
}

// DoKVMCreatePIT2 creates the in-kernel PIT model.
func DoKVMCreatePIT2(vmFD int) error {
	var params [64]byte // struct kvm_pit_config{flags,pad[15]}, zero value is fine
	_, err := ioctl(vmFD, KVM_CREATE_PIT2, uintptr(unsafe.Pointer(&params)))
	return err
}

// DoKVMRun blocks until the next vCPU exit.
func DoKVMRun(vcpuFD int) error {
	_, err := ioctl(vcpuFD, KVM_RUN, 0)
	if err == syscall.EINTR || err == syscall.EAGAIN {
		return nil
	}
	return err
}

// DoKVMGetRegs reads the general-purpose registers.
func DoKVMGetRegs(vcpuFD int) (*KvmRegs, error) {
	var regs KvmRegs
	_, err := ioctl(vcpuFD, KVM_GET_REGS, uintptr(unsafe.Pointer(&regs)))
	if err != nil {
		return nil, err
	}
	return &regs, nil
}

// DoKVMSetRegs writes the general-purpose registers.
func DoKVMSetRegs(vcpuFD int, regs *KvmRegs) error {
	_, err := ioctl(vcpuFD, KVM_SET_REGS, uintptr(unsafe.Pointer(regs)))
	return err
}

// DoKVMGetSregs reads the special registers (segments, control registers).
func DoKVMGetSregs(vcpuFD int) (*KvmSregs, error) {
	var sregs KvmSregs
	_, err := ioctl(vcpuFD, KVM_GET_SREGS, uintptr(unsafe.Pointer(&sregs)))
	if err != nil {
		return nil, err
	}
	return &sregs, nil
}

// DoKVMSetSregs writes the special registers.
func DoKVMSetSregs(vcpuFD int, sregs *KvmSregs) error {
	_, err := ioctl(vcpuFD, KVM_SET_SREGS, uintptr(unsafe.Pointer(sregs)))
	return err
}

// DoKVMInjectInterrupt injects an external interrupt vector via KVM_INTERRUPT.
func DoKVMInjectInterrupt(vcpuFD int, vector uint32) error {
	_, err := ioctl(vcpuFD, KVM_INTERRUPT, uintptr(unsafe.Pointer(&vector)))
	return err
}

// DoKVMIRQLine raises (level=1) or lowers (level=0) the in-kernel PIC/IOAPIC
// line `irq`.
func DoKVMIRQLine(vmFD int, irq uint32, level uint32) error {
	kl := KvmIrqLevel{IRQ: irq, Level: level}
	_, err := ioctl(vmFD, KVM_IRQ_LINE, uintptr(unsafe.Pointer(&kl)))
	return err
}

// kvmDirtyLog mirrors struct kvm_dirty_log: a memory slot number plus a
// pointer to a bitmap of one bit per guest page in that slot.
type kvmDirtyLog struct {
	Slot       uint32
	_          uint32
	BitmapAddr uint64
	_          uint64 // union padding to match the struct's second word
}

// DoKVMGetDirtyLog fills bitmap (one bit per guest page in slot, caller
// sized) via KVM_GET_DIRTY_LOG and clears the kernel's copy, feeding the
// snapshot engine's diff dirty-page tracking.
func DoKVMGetDirtyLog(vmFD int, slot uint32, bitmap []uint64) error {
	dl := kvmDirtyLog{Slot: slot, BitmapAddr: uint64(uintptr(unsafe.Pointer(&bitmap[0])))}
	_, err := ioctl(vmFD, KVM_GET_DIRTY_LOG, uintptr(unsafe.Pointer(&dl)))
	return err
}

// kvmIOEventFD mirrors struct kvm_ioeventfd.
type kvmIOEventFD struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	FD        int32
	Flags     uint32
	_         [36]byte
}

// DoKVMIOEventFD registers (or, if deassign is true, unregisters) fd to be
// signalled whenever the guest writes `len` bytes to `addr` on the given
// bus (PIO when pio is true, otherwise MMIO) — the notify path virtio
// queues use to avoid blocking the vCPU thread on I/O thread work.
func DoKVMIOEventFD(vmFD int, addr uint64, length uint32, fd int, pio bool, deassign bool) error {
	var flags uint32
	if pio {
		flags |= KVM_IOEVENTFD_FLAG_PIO
	}
	if deassign {
		flags |= KVM_IOEVENTFD_FLAG_DEASSIGN
	}
	ev := kvmIOEventFD{Addr: addr, Len: length, FD: int32(fd), Flags: flags}
	_, err := ioctl(vmFD, KVM_IOEVENTFD, uintptr(unsafe.Pointer(&ev)))
	return err
}

// kvmIRQFD mirrors struct kvm_irqfd.
type kvmIRQFD struct {
	FD         uint32
	GSI        uint32
	Flags      uint32
	ResampleFD uint32
	_          [16]byte
}

// DoKVMIRQFD binds fd to the in-kernel IRQ chip's gsi line: the kernel
// raises the line whenever fd is written, without a userspace round trip.
func DoKVMIRQFD(vmFD int, fd int, gsi uint32) error {
	irqfd := kvmIRQFD{FD: uint32(fd), GSI: gsi}
	_, err := ioctl(vmFD, KVM_IRQFD, uintptr(unsafe.Pointer(&irqfd)))
	return err
}
