package vmm

import "fmt"

// InstanceInfo summarizes the running microVM for the management bridge's
// GetInstanceInfo response.
type InstanceInfo struct {
	State           string
	VCPUCount       int
	MemorySizeBytes uint64
}

// BalloonConfig mirrors the driver-visible state of the optional balloon
// device, for GetBalloonConfig.
type BalloonConfig struct {
	AmountMiB             uint32
	DeflateOnOOM          bool
	StatsPollingIntervalS uint32
}

// broadcastCommand delivers cmd to every non-exited vCPU, bounded by
// VCPURPCTimeout per vCPU. The first vCPU to time out or nak aborts the
// broadcast; vCPUs already commanded are left in whatever state their ack
// produced, matching the "RPC timeout is fatal" error-propagation policy.
func (vm *VirtualMachine) broadcastCommand(cmd VCPUCommand) error {
	for _, vcpu := range vm.vcpus {
		if vcpu.getState() == VCPUExited {
			continue
		}
		if err := vcpu.sendCommandTimeout(cmd, VCPURPCTimeout); err != nil {
			return fmt.Errorf("vmm: vcpu %d: %w", vcpu.id, err)
		}
	}
	return nil
}

// Pause halts every vCPU's KVM_RUN loop, leaving device state and guest
// memory untouched. The management bridge's pause sub-loop keeps the I/O
// thread parked until Resume (or ShutdownInternal) is dispatched, so no
// device activity happens while paused.
func (vm *VirtualMachine) Pause() error {
	return vm.broadcastCommand(CmdPause)
}

// Resume restarts every paused vCPU.
func (vm *VirtualMachine) Resume() error {
	return vm.broadcastCommand(CmdResume)
}

// InstanceInfo reports the microVM's current aggregate state: Running if
// any vCPU is running, Paused if all are paused, Exited if all have
// exited.
func (vm *VirtualMachine) InstanceInfo() InstanceInfo {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	state := VCPUExited
	for _, vcpu := range vm.vcpus {
		s := vcpu.getState()
		if s == VCPURunning {
			state = VCPURunning
			break
		}
		if s == VCPUPaused {
			state = VCPUPaused
		}
	}
	return InstanceInfo{
		State:           state.String(),
		VCPUCount:       len(vm.vcpus),
		MemorySizeBytes: vm.MemorySizeBytes,
	}
}

// BalloonConfig returns the configured balloon device's current target
// and stats-polling settings. ok is false if no balloon device is
// attached.
func (vm *VirtualMachine) BalloonConfig() (cfg BalloonConfig, ok bool) {
	if vm.balloonDevice == nil {
		return BalloonConfig{}, false
	}
	return BalloonConfig{
		AmountMiB:             vm.balloonDevice.TargetMiB(),
		DeflateOnOOM:          vm.balloonDeflateOnOOM,
		StatsPollingIntervalS: uint32(vm.balloonStatsInterval.Seconds()),
	}, true
}

// BalloonStats returns the most recently reported guest memory
// statistics. ok is false if no balloon device is attached or it was
// not configured with the stats queue.
func (vm *VirtualMachine) BalloonStats() (stats map[string]uint64, ok bool) {
	if vm.balloonDevice == nil || !vm.balloonDevice.StatsEnabled() {
		return nil, false
	}
	return vm.balloonDevice.Stats(), true
}
