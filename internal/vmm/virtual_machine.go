// Package vmm owns the KVM virtual machine lifecycle: opening /dev/kvm,
// registering guest memory and the legacy device bus, constructing the GDT
// and identity page tables a guest needs to reach protected mode, and
// driving every vCPU's Paused/Running/Exited state machine.
package vmm

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/go-microvm/vmm/internal/config"
	"github.com/go-microvm/vmm/internal/cpuid"
	"github.com/go-microvm/vmm/internal/devices"
	"github.com/go-microvm/vmm/internal/devices/virtio"
	"github.com/go-microvm/vmm/internal/hypervisor"
	"github.com/go-microvm/vmm/internal/ioevent"
	"github.com/go-microvm/vmm/internal/memory"
	"github.com/go-microvm/vmm/internal/network"
	"github.com/go-microvm/vmm/internal/obs"
	"github.com/go-microvm/vmm/internal/ratelimiter"
)

const (
	gdtBaseAddress = 0x500
	pageDirBase    = 0x1000
	bootLoadAddr   = 0x0

	// virtioMMIOBase/virtioMMIOWindow lay out one fixed-size register
	// window per virtio device, platform-chosen the way a real x86
	// microVM reserves a small MMIO strip above low memory for this
	// purpose.
	virtioMMIOBase   = 0xd0000000
	virtioMMIOWindow = 0x1000
)

// virtioIRQLines are the free legacy ISA lines this VMM hands out to
// virtio-MMIO transports in attach order, since the in-kernel PIC has no
// MSI equivalent to offer them a dedicated vector.
var virtioIRQLines = []uint8{9, 10, 11, 5, 15}

// VirtualMachine is one running (or about to run) guest.
type VirtualMachine struct {
	kvmFD int
	vmFD  int

	mem     *memory.Space
	bus     *devices.Bus
	mmioBus *devices.MmioBus
	ioMgr   *ioevent.Manager
	exitFD  int

	pic      *devices.PICDevice
	pit      *devices.PITDevice
	serial   *devices.SerialPortDevice
	rtc      *devices.RTCDevice
	keyboard *devices.KeyboardDevice

	taps             []*network.TapDevice
	virtioTransports []*virtio.MMIOTransport
	blockDevices     map[string]*virtio.BlockDevice
	blockTransports  map[string]*virtio.MMIOTransport
	netDevices       []*virtio.NetDevice
	netDevicesByID   map[string]*virtio.NetDevice

	balloonDevice        *virtio.BalloonDevice
	balloonTransport     *virtio.MMIOTransport
	balloonStatsInterval time.Duration
	balloonDeflateOnOOM  bool

	vsockDevice *virtio.VsockDevice

	blockLimiters map[string]*limiterPair
	netLimiters   map[string]*netLimiterPair

	cpuidStore *cpuid.Store

	vcpus []*VCPU

	mu         sync.Mutex
	started    bool
	exitErrs   map[int]error
	allExited  chan struct{}
	exitOnce   sync.Once
	ioStopOnce sync.Once

	bootRIP  uint64
	gdtBase  uint64
	gdtBytes []byte

	MemorySizeBytes uint64
	Debug           bool
}

// New builds the VM described by cfg: guest memory, the legacy device bus,
// CPUID identity, and one vCPU per cfg.Machine.VCPUCount, all left in
// VCPUPaused until Run is called.
func New(cfg config.VMConfig, debug bool) (*VirtualMachine, error) {
	memSize := cfg.Machine.MemSizeMiB * 1024 * 1024
	numVCPUs := cfg.Machine.VCPUCount

	// Step 1: open /dev/kvm and create the VM.
	kvmFD, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("vmm: open /dev/kvm: %w", err)
	}
	vmFD, err := hypervisor.DoKVMCreateVM(kvmFD)
	if err != nil {
		unix.Close(kvmFD)
		return nil, fmt.Errorf("vmm: KVM_CREATE_VM: %w", err)
	}

	ioMgr, err := ioevent.New()
	if err != nil {
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("vmm: building I/O thread event loop: %w", err)
	}
	exitFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		ioMgr.Close()
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("vmm: creating exit eventfd: %w", err)
	}

	vm := &VirtualMachine{
		kvmFD:           kvmFD,
		vmFD:            vmFD,
		mem:             memory.NewSpace(),
		mmioBus:         devices.NewMmioBus(),
		ioMgr:           ioMgr,
		exitFD:          exitFD,
		blockDevices:    make(map[string]*virtio.BlockDevice),
		blockTransports: make(map[string]*virtio.MMIOTransport),
		netDevicesByID:  make(map[string]*virtio.NetDevice),
		blockLimiters:   make(map[string]*limiterPair),
		netLimiters:     make(map[string]*netLimiterPair),
		exitErrs:        make(map[int]error),
		MemorySizeBytes: memSize,
		Debug:           debug,
	}

	// Step 2: register guest memory.
	region, err := vm.mem.AddRegion(0, memSize)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("vmm: allocating guest memory: %w", err)
	}
	if err := hypervisor.DoKVMSetUserMemoryRegion(vmFD, region.Slot, region.GuestBase,
		uint64(len(region.Bytes)), uintptr(unsafe.Pointer(&region.Bytes[0]))); err != nil {
		vm.Close()
		return nil, fmt.Errorf("vmm: KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	// Step 3: x86 platform fixtures the in-kernel PIC/PIT/APIC plumbing
	// and the BIOS-style real-mode transition areas require.
	if err := hypervisor.DoKVMSetTSSAddr(vmFD, memSize-3*0x1000); err != nil {
		vm.Close()
		return nil, fmt.Errorf("vmm: KVM_SET_TSS_ADDR: %w", err)
	}
	if err := hypervisor.DoKVMSetIdentityMapAddr(vmFD, memSize-4*0x1000); err != nil {
		vm.Close()
		return nil, fmt.Errorf("vmm: KVM_SET_IDENTITY_MAP_ADDR: %w", err)
	}

	// Step 4: device bus and legacy devices.
	if err := vm.attachDevices(cfg); err != nil {
		vm.Close()
		return nil, fmt.Errorf("vmm: attaching devices: %w", err)
	}

	// Step 4.5: virtio-MMIO devices (block, net, balloon, vsock, entropy).
	if err := vm.attachVirtioDevices(cfg); err != nil {
		vm.Close()
		return nil, fmt.Errorf("vmm: attaching virtio devices: %w", err)
	}

	// Step 5: GDT and identity-mapped page directory, both written into
	// guest memory ahead of the bootloader image so its far jump can
	// resolve CS immediately.
	if err := vm.buildGDT(); err != nil {
		vm.Close()
		return nil, fmt.Errorf("vmm: building GDT: %w", err)
	}
	if err := vm.buildPageDirectory(); err != nil {
		vm.Close()
		return nil, fmt.Errorf("vmm: building page directory: %w", err)
	}

	// Step 6: load the boot image, if one was configured. Callers that
	// want to load their own image (tests, snapshot restore) can skip
	// this and call LoadBinary directly before Run.
	vm.bootRIP = bootLoadAddr
	if cfg.KernelImagePath != "" {
		image, err := os.ReadFile(cfg.KernelImagePath)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("vmm: reading boot image %s: %w", cfg.KernelImagePath, err)
		}
		if err := vm.LoadBinary(image, bootLoadAddr); err != nil {
			vm.Close()
			return nil, err
		}
	}

	// CPUID identity is normalized once per machine shape and handed to
	// every vCPU uniformly except for the per-vCPU APIC id; actual
	// injection into the guest requires the variable-length
	// KVM_SET_CPUID2 ioctl, which this VMM does not issue — the normalized
	// store instead backs snapshot/inspection identity.
	baseline := cpuid.DefaultBaseline()
	normalized, err := cpuid.Normalize(baseline, cpuid.Topology{
		VCPUIndex: 0, VCPUCount: uint32(numVCPUs), VCPUsPerCore: 1, CPUBits: 8,
	})
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("vmm: normalizing CPUID: %w", err)
	}
	vm.cpuidStore = normalized

	// Step 7: create the vCPUs, each left Paused.
	for i := 0; i < numVCPUs; i++ {
		vcpu, err := newVCPU(vm, i)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("vmm: creating vcpu %d: %w", i, err)
		}
		vm.vcpus = append(vm.vcpus, vcpu)
	}
	vm.allExited = make(chan struct{})

	return vm, nil
}

func (vm *VirtualMachine) attachDevices(cfg config.VMConfig) error {
	bus := devices.NewBus()

	pic := devices.NewPICDevice()
	pit := devices.NewPITDevice(pic)
	serial := devices.NewSerialPortDevice(os.Stdout, pic)
	go relayStdinToSerial(serial)
	rtc := devices.NewRTCDevice(pic)
	keyboard := devices.NewKeyboardDevice()

	registrations := []struct {
		start, end uint16
		dev        devices.PioDevice
	}{
		{devices.PIC_MASTER_CMD_PORT, devices.PIC_MASTER_DATA_PORT, pic},
		{devices.PIC_SLAVE_CMD_PORT, devices.PIC_SLAVE_DATA_PORT, pic},
		{devices.PIT_PORT_COUNTER0, devices.PIT_PORT_COMMAND, pit},
		{devices.PIT_PORT_STATUS, devices.PIT_PORT_STATUS, pit},
		{devices.COM1_PORT_BASE, devices.COM1_PORT_END, serial},
		{devices.RTC_PORT_INDEX, devices.RTC_PORT_DATA, rtc},
		{devices.KEYBOARD_PORT_DATA, devices.KEYBOARD_PORT_DATA, keyboard},
		{devices.KEYBOARD_PORT_STATUS, devices.KEYBOARD_PORT_STATUS, keyboard},
	}
	for _, r := range registrations {
		if err := bus.RegisterDevice(r.start, r.end, r.dev); err != nil {
			return err
		}
	}

	vm.bus = bus
	vm.pic = pic
	vm.pit = pit
	vm.serial = serial
	vm.rtc = rtc
	vm.keyboard = keyboard

	return nil
}

// relayStdinToSerial copies bytes typed at the host's stdin into the
// guest's COM1 receive FIFO, for the common case of stdin bound to the
// same terminal as the serial console's stdout output. It returns once
// stdin is closed, which happens naturally at process exit.
func relayStdinToSerial(serial *devices.SerialPortDevice) {
	buf := make([]byte, 256)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			serial.PushInput(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// mmioRelay adapts one MMIOTransport onto MmioBus, which dispatches with
// the guest-physical address while MMIOTransport.HandleMMIO expects an
// address relative to its own register window.
type mmioRelay struct {
	base      uint64
	transport *virtio.MMIOTransport
}

func (r mmioRelay) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	return r.transport.HandleMMIO(addr-r.base, data, isWrite)
}

// notifySubscriber drains one virtio transport's queue-notify eventfd on
// the I/O thread whenever epoll reports it readable.
type notifySubscriber struct {
	transport *virtio.MMIOTransport
}

func (s notifySubscriber) Process(fd int, events uint32, ops *ioevent.Ops) {
	if err := s.transport.Drain(); err != nil {
		obs.L().WithError(err).Warn("virtio queue processing failed")
	}
}

// attachVirtioDevices builds one MMIOTransport per configured virtio
// device (drives, network interfaces, balloon, vsock, and an always-on
// entropy device), registers each on the MMIO bus at a fixed per-device
// window, and subscribes its notify eventfd to the I/O thread.
func (vm *VirtualMachine) attachVirtioDevices(cfg config.VMConfig) error {
	var transports []*virtio.MMIOTransport

	register := func(dev virtio.Device) (*virtio.MMIOTransport, error) {
		t, err := virtio.NewMMIOTransport(vm.mem, dev)
		if err != nil {
			return nil, err
		}
		idx := len(transports)
		if idx >= len(virtioIRQLines) {
			return nil, fmt.Errorf("vmm: no free legacy IRQ line left for virtio device %d", idx)
		}
		base := virtioMMIOBase + uint64(idx)*virtioMMIOWindow
		if err := vm.mmioBus.RegisterDevice(base, base+virtioMMIOWindow-1, mmioRelay{base: base, transport: t}); err != nil {
			return nil, err
		}
		irq := virtioIRQLines[idx]
		t.OnInterrupt = func(status uint32) { vm.pic.RaiseIRQ(irq) }
		if err := vm.ioMgr.Add(t.NotifyFD(), unix.EPOLLIN, notifySubscriber{transport: t}); err != nil {
			return nil, err
		}
		transports = append(transports, t)
		return t, nil
	}

	for _, drive := range cfg.Drives {
		blk, err := virtio.NewBlockDevice(drive.PathOnHost, drive.ReadOnly, drive.ID)
		if err != nil {
			return err
		}
		t, err := register(blk)
		if err != nil {
			blk.Close()
			return err
		}
		vm.blockDevices[drive.ID] = blk
		vm.blockTransports[drive.ID] = t

		bw, err := buildRateLimiter(drive.RateLimiterBandwidthBytesPerSec, 0)
		if err != nil {
			return err
		}
		ops, err := buildRateLimiter(0, drive.RateLimiterOpsPerSec)
		if err != nil {
			return err
		}
		blk.SetRateLimiters(bw, ops)
		if err := vm.subscribeLimiter(bw, t); err != nil {
			return err
		}
		if err := vm.subscribeLimiter(ops, t); err != nil {
			return err
		}
		vm.blockLimiters[drive.ID] = &limiterPair{bw: bw, ops: ops, transport: t}
	}

	for _, netCfg := range cfg.NetDevices {
		tap, err := network.NewTapDevice(netCfg.TapName)
		if err != nil {
			return fmt.Errorf("creating tap device %s: %w", netCfg.TapName, err)
		}
		if netCfg.HostIP != "" {
			if err := network.ConfigureTapInterface(netCfg.TapName, netCfg.HostIP); err != nil {
				tap.Close()
				return fmt.Errorf("configuring tap device %s: %w", netCfg.TapName, err)
			}
		}
		mac, err := parseMAC(netCfg.GuestMAC)
		if err != nil {
			tap.Close()
			return err
		}
		netDev := virtio.NewNetDevice(tap, mac)
		t, err := register(netDev)
		if err != nil {
			tap.Close()
			return err
		}
		netDev.StartRxLoop(t.RxQueue(), t.NotifyUsedBuffer)
		vm.taps = append(vm.taps, tap)
		vm.netDevices = append(vm.netDevices, netDev)
		vm.netDevicesByID[netCfg.ID] = netDev

		rxBw, err := buildRateLimiter(netCfg.RxRateLimiterBandwidthBytesPerSec, 0)
		if err != nil {
			return err
		}
		rxOps, err := buildRateLimiter(0, netCfg.RxRateLimiterOpsPerSec)
		if err != nil {
			return err
		}
		txBw, err := buildRateLimiter(netCfg.TxRateLimiterBandwidthBytesPerSec, 0)
		if err != nil {
			return err
		}
		txOps, err := buildRateLimiter(0, netCfg.TxRateLimiterOpsPerSec)
		if err != nil {
			return err
		}
		netDev.SetRxRateLimiters(rxBw, rxOps)
		netDev.SetTxRateLimiters(txBw, txOps)
		if err := vm.subscribeLimiter(rxBw, t); err != nil {
			return err
		}
		if err := vm.subscribeLimiter(rxOps, t); err != nil {
			return err
		}
		if err := vm.subscribeLimiter(txBw, t); err != nil {
			return err
		}
		if err := vm.subscribeLimiter(txOps, t); err != nil {
			return err
		}
		vm.netLimiters[netCfg.ID] = &netLimiterPair{
			rx: limiterPair{bw: rxBw, ops: rxOps, transport: t},
			tx: limiterPair{bw: txBw, ops: txOps, transport: t},
		}
	}

	if cfg.Balloon != nil {
		balloon := virtio.NewBalloonDevice(cfg.Balloon.StatsPollingIntervalS > 0)
		t, err := register(balloon)
		if err != nil {
			return err
		}
		balloon.SetOnConfigChange(t.RaiseConfigChange)
		balloon.UpdateTarget(cfg.Balloon.AmountMiB * 256) // MiB -> 4KiB pages
		obs.Metrics.BalloonTargetMiB.Set(float64(cfg.Balloon.AmountMiB))
		vm.balloonDevice = balloon
		vm.balloonTransport = t
		vm.balloonDeflateOnOOM = cfg.Balloon.DeflateOnOOM
		if cfg.Balloon.StatsPollingIntervalS > 0 {
			interval := time.Duration(cfg.Balloon.StatsPollingIntervalS) * time.Second
			balloon.UpdateStatsInterval(interval, func() {
				if err := t.Drain(); err != nil {
					obs.L().WithError(err).Warn("balloon stats poll failed")
				}
			})
			vm.balloonStatsInterval = interval
		}
	}

	if cfg.Vsock != nil {
		vsock := virtio.NewVsockDevice(cfg.Vsock.GuestCID, cfg.Vsock.UDSPath)
		t, err := register(vsock)
		if err != nil {
			return err
		}
		vsock.AttachRxQueue(t.RxQueue(), t.NotifyUsedBuffer)
		vm.vsockDevice = vsock
	}

	entropy := virtio.NewEntropyDevice()
	if _, err := register(entropy); err != nil {
		return err
	}

	vm.virtioTransports = transports
	return nil
}

func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	if s == "" {
		return [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}, nil
	}
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&mac[0], &mac[1], &mac[2], &mac[3], &mac[4], &mac[5])
	if err != nil || n != 6 {
		return mac, fmt.Errorf("vmm: invalid guest MAC %q", s)
	}
	return mac, nil
}

// buildGDT writes a three-entry flat GDT (null, 16-bit-default code, 16-bit
// default data, both base 0 / limit 4GB) into guest memory and records its
// base address so every vCPU's GDTR points at it.
func (vm *VirtualMachine) buildGDT() error {
	const flatFlags = 0x8F // G=1, DB=0, L=0, AVL=0 — see initRegisters' comment on why DB=0.
	entries := []hypervisor.GDTEntry{
		hypervisor.NewGDTEntry(0, 0, 0, 0),
		hypervisor.NewGDTEntry(0, 0xFFFFF, 0x9A, flatFlags), // code: present, DPL0, exec/read
		hypervisor.NewGDTEntry(0, 0xFFFFF, 0x92, flatFlags), // data: present, DPL0, read/write
	}
	raw := make([]byte, len(entries)*8)
	for i, e := range entries {
		b := (*[8]byte)(unsafe.Pointer(&e))
		copy(raw[i*8:], b[:])
	}
	if err := vm.mem.Write(gdtBaseAddress, raw); err != nil {
		return err
	}
	vm.gdtBase = gdtBaseAddress
	vm.gdtBytes = raw
	return nil
}

// buildPageDirectory identity-maps the first 4MB of guest memory with a
// single 4MB page directory entry, which is all this VMM's flat-segment
// boot path needs even once paging is later enabled by guest code.
func (vm *VirtualMachine) buildPageDirectory() error {
	flags := hypervisor.PTE_PRESENT | hypervisor.PTE_READ_WRITE | hypervisor.PTE_USER_SUPER | hypervisor.PDE_PAGE_SIZE
	pde := hypervisor.NewPDE4MB(0, flags)
	var raw [4]byte
	raw[0] = byte(pde)
	raw[1] = byte(pde >> 8)
	raw[2] = byte(pde >> 16)
	raw[3] = byte(pde >> 24)
	return vm.mem.Write(pageDirBase, raw[:])
}

// LoadBinary copies image into guest-physical memory at address.
func (vm *VirtualMachine) LoadBinary(image []byte, address uint64) error {
	if err := vm.mem.Write(address, image); err != nil {
		return fmt.Errorf("vmm: loading %d bytes at 0x%x: %w", len(image), address, err)
	}
	return nil
}

// Run resumes every vCPU and blocks until all of them have exited (guest
// shutdown, a fatal error, or Stop/Close being called).
func (vm *VirtualMachine) Run() error {
	vm.mu.Lock()
	vm.started = true
	vm.mu.Unlock()

	go func() {
		if err := vm.ioMgr.Run(vm.exitFD); err != nil {
			obs.L().WithError(err).Warn("I/O thread event loop exited with an error")
		}
	}()
	go vm.runPITTicker()

	for _, vcpu := range vm.vcpus {
		go vcpu.loop()
	}
	for _, vcpu := range vm.vcpus {
		if err := vcpu.sendCommand(CmdResume); err != nil {
			return fmt.Errorf("vmm: resuming vcpu %d: %w", vcpu.id, err)
		}
	}

	<-vm.allExited

	vm.mu.Lock()
	defer vm.mu.Unlock()
	for id, err := range vm.exitErrs {
		if err != nil {
			return fmt.Errorf("vcpu %d: %w", id, err)
		}
	}
	return nil
}

// runPITTicker advances the PIT's channel-0 counter and the RTC's
// periodic-interrupt flag on a fixed host interval until the VM exits.
// This doesn't model the 8254's real 1.193182MHz input clock or the RTC's
// configurable rate, only the guest-visible effect of each timer
// periodically firing its IRQ.
func (vm *VirtualMachine) runPITTicker() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			vm.pit.Tick(devices.PIT_IRQ)
			vm.rtc.Tick(devices.RTC_IRQ)
		case <-vm.allExited:
			return
		}
	}
}

// reportVCPUExit is called by a vCPU's own goroutine right before it
// returns. Once every vCPU has reported, allExited is closed.
func (vm *VirtualMachine) reportVCPUExit(id int, err error) {
	vm.mu.Lock()
	vm.exitErrs[id] = err
	done := len(vm.exitErrs) == len(vm.vcpus)
	vm.mu.Unlock()
	if done {
		vm.exitOnce.Do(func() { close(vm.allExited) })
	}
}

// Stop asks every vCPU that has not exited to finish its run loop. Safe
// to call multiple times; before Run it does nothing.
func (vm *VirtualMachine) Stop() {
	vm.mu.Lock()
	started := vm.started
	vm.mu.Unlock()
	if !started {
		return
	}
	for _, vcpu := range vm.vcpus {
		if vcpu.getState() == VCPUExited {
			continue
		}
		_ = vcpu.sendCommand(CmdFinish)
	}
	vm.ioStopOnce.Do(func() {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], 1)
		_, _ = unix.Write(vm.exitFD, buf[:])
	})
}

// Close stops every vCPU, then releases every kernel resource the VM
// holds. Idempotent.
func (vm *VirtualMachine) Close() {
	vm.Stop()
	for _, vcpu := range vm.vcpus {
		vcpu.close()
	}
	vm.vcpus = nil

	for _, nd := range vm.netDevices {
		nd.StopRxLoop()
	}
	vm.netDevices = nil
	for _, tap := range vm.taps {
		_ = tap.Close()
	}
	vm.taps = nil
	if vm.vsockDevice != nil {
		_ = vm.vsockDevice.Close()
		vm.vsockDevice = nil
	}
	for id, blk := range vm.blockDevices {
		_ = blk.Close()
		delete(vm.blockDevices, id)
	}
	vm.blockTransports = nil
	for id, lp := range vm.blockLimiters {
		vm.unsubscribeLimiter(lp.bw)
		vm.unsubscribeLimiter(lp.ops)
		delete(vm.blockLimiters, id)
	}
	for id, nlp := range vm.netLimiters {
		vm.unsubscribeLimiter(nlp.rx.bw)
		vm.unsubscribeLimiter(nlp.rx.ops)
		vm.unsubscribeLimiter(nlp.tx.bw)
		vm.unsubscribeLimiter(nlp.tx.ops)
		delete(vm.netLimiters, id)
	}
	for _, t := range vm.virtioTransports {
		_ = vm.ioMgr.Remove(t.NotifyFD())
		_ = t.Close()
	}
	vm.virtioTransports = nil
	if vm.ioMgr != nil {
		_ = vm.ioMgr.Close()
		vm.ioMgr = nil
	}
	if vm.exitFD != 0 {
		_ = unix.Close(vm.exitFD)
		vm.exitFD = 0
	}

	if vm.mem != nil {
		_ = vm.mem.Close()
		vm.mem = nil
	}
	if vm.vmFD != 0 {
		_ = unix.Close(vm.vmFD)
		vm.vmFD = 0
	}
	if vm.kvmFD != 0 {
		_ = unix.Close(vm.kvmFD)
		vm.kvmFD = 0
	}
}

// handleIO dispatches one KVM_EXIT_IO access to the device bus.
func (vm *VirtualMachine) handleIO(port uint16, direction, size uint8, data []byte) error {
	return vm.bus.HandleIO(port, direction, size, data)
}

// handleMMIO routes a KVM_EXIT_MMIO access to whichever virtio transport
// owns physAddr. Addresses outside every registered window are filled
// with the conventional "nothing here" pattern on reads and otherwise
// acknowledged.
func (vm *VirtualMachine) handleMMIO(physAddr uint64, data []byte, isWrite bool) error {
	ok, err := vm.mmioBus.HandleMMIO(physAddr, data, isWrite)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	obs.Metrics.BusMisses.Inc()
	if !isWrite {
		for i := range data {
			data[i] = 0xFF
		}
	}
	obs.L().WithField("addr", physAddr).WithField("write", isWrite).Debug("MMIO to unmapped address")
	return nil
}

// checkPendingInterrupts asks the PIC for its next vector, if any, and
// injects it into vCPU 0, which alone owns interrupt delivery in this
// single-APIC legacy model.
func (vm *VirtualMachine) checkPendingInterrupts() {
	if !vm.pic.HasPendingInterrupts() {
		return
	}
	vector := vm.pic.GetInterruptVector()
	if vector == 0 {
		return
	}
	if err := hypervisor.DoKVMInjectInterrupt(vm.vcpus[0].fd, uint32(vector)); err != nil {
		obs.L().WithError(err).WithField("vector", vector).Warn("failed to inject interrupt")
	}
}

// SendCtrlAltDel asks the PIC to raise the keyboard IRQ after queuing the
// three-key sequence, mirroring how a real PS/2 controller would notify
// the guest of the host-requested reboot combination.
func (vm *VirtualMachine) SendCtrlAltDel() {
	vm.keyboard.SendCtrlAltDel()
	vm.pic.RaiseIRQ(devices.KEYBOARD_IRQ)
}

// CPUIDStore exposes the normalized CPUID identity computed at boot, for
// the management plane and snapshot engine.
func (vm *VirtualMachine) CPUIDStore() *cpuid.Store { return vm.cpuidStore }
