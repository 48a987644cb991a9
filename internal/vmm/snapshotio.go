package vmm

import (
	"github.com/go-microvm/vmm/internal/ioevent"
	"github.com/go-microvm/vmm/internal/memory"
)

// MemorySpace exposes the guest's backing memory regions to the
// snapshot engine, which needs direct region access for full/diff
// memory-file writes.
func (vm *VirtualMachine) MemorySpace() *memory.Space { return vm.mem }

// VMFD exposes the raw KVM vm fd, needed for KVM_GET_DIRTY_LOG queries
// keyed by memory slot.
func (vm *VirtualMachine) VMFD() int { return vm.vmFD }

// IOManager exposes the I/O thread's event loop so the entrypoint can
// register the management bridge's eventfd on it before calling Run.
func (vm *VirtualMachine) IOManager() *ioevent.Manager { return vm.ioMgr }

// ExitFD exposes the VM's process-wide exit eventfd, so the entrypoint
// can hand the same fd to both the I/O thread's epoll loop and the
// fatal-signal handler: either one writing it wakes the other.
func (vm *VirtualMachine) ExitFD() int { return vm.exitFD }

// VCPUs exposes the vCPU set for register capture/restore. All vCPUs
// must be paused before the snapshot engine calls Regs/Sregs/SetRegs/
// SetSregs on any of them.
func (vm *VirtualMachine) VCPUs() []*VCPU { return vm.vcpus }

// BootInfo returns the boot entry point and GDT location that the
// snapshot engine records in VmInfo. Load does not read them back; it
// restores each vCPU's saved register files instead.
func (vm *VirtualMachine) BootInfo() (rip, gdtBase uint64, gdtLen int) {
	return vm.bootRIP, vm.gdtBase, len(vm.gdtBytes)
}

// DriveSnapshot describes one attached block device's identity and
// current backing path, for VmInfo.
type DriveSnapshot struct {
	ID         string
	PathOnHost string
	ReadOnly   bool
}

// NetSnapshot describes one attached net device's identity.
type NetSnapshot struct {
	ID       string
	TapName  string
	GuestMAC string
}

// DeviceInventory reports the identity of every attached virtio device,
// for the snapshot header's VmInfo. Device queue and config state is not
// captured in a snapshot.
func (vm *VirtualMachine) DeviceInventory() (drives []DriveSnapshot, nets []NetSnapshot, hasBalloon, hasVsock bool) {
	for id, blk := range vm.blockDevices {
		drives = append(drives, DriveSnapshot{ID: id, PathOnHost: blk.PathOnHost(), ReadOnly: blk.ReadOnly()})
	}
	for id, n := range vm.netDevicesByID {
		nets = append(nets, NetSnapshot{ID: id, TapName: n.TapName(), GuestMAC: n.GuestMACString()})
	}
	return drives, nets, vm.balloonDevice != nil, vm.vsockDevice != nil
}
