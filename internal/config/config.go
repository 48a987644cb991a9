// Package config loads the resource set a control plane populates before
// boot: memory size, vCPU count, kernel path, and the initial device
// descriptors. The VM lifecycle treats this as an opaque input.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BlockDeviceConfig describes one virtio-block device at boot.
type BlockDeviceConfig struct {
	ID       string `yaml:"id"`
	PathOnHost string `yaml:"path_on_host"`
	ReadOnly bool   `yaml:"read_only"`
	RateLimiterBandwidthBytesPerSec uint64 `yaml:"rate_limiter_bandwidth_bytes_per_sec"`
	RateLimiterOpsPerSec            uint64 `yaml:"rate_limiter_ops_per_sec"`
}

// NetDeviceConfig describes one virtio-net device at boot, backed by a host
// TAP interface.
type NetDeviceConfig struct {
	ID       string `yaml:"id"`
	TapName  string `yaml:"tap_name"`
	GuestMAC string `yaml:"guest_mac"`
	HostIP   string `yaml:"host_ip"` // optional; if set, assigned to the tap interface on the host side

	RxRateLimiterBandwidthBytesPerSec uint64 `yaml:"rx_rate_limiter_bandwidth_bytes_per_sec"`
	RxRateLimiterOpsPerSec            uint64 `yaml:"rx_rate_limiter_ops_per_sec"`
	TxRateLimiterBandwidthBytesPerSec uint64 `yaml:"tx_rate_limiter_bandwidth_bytes_per_sec"`
	TxRateLimiterOpsPerSec            uint64 `yaml:"tx_rate_limiter_ops_per_sec"`
}

// BalloonConfig describes the optional virtio-balloon device.
type BalloonConfig struct {
	AmountMiB            uint32 `yaml:"amount_mib"`
	DeflateOnOOM         bool   `yaml:"deflate_on_oom"`
	StatsPollingIntervalS uint32 `yaml:"stats_polling_interval_s"`
}

// VsockConfig describes the optional virtio-vsock device.
type VsockConfig struct {
	GuestCID uint32 `yaml:"guest_cid"`
	UDSPath  string `yaml:"uds_path"`
}

// MachineConfig captures the vCPU/memory/CPU-template shape of the guest.
type MachineConfig struct {
	VCPUCount   int    `yaml:"vcpu_count"`
	MemSizeMiB  uint64 `yaml:"mem_size_mib"`
	CPUTemplate string `yaml:"cpu_template"`
	TrackDirtyPages bool `yaml:"track_dirty_pages"`
}

// VMConfig is the full resource set consumed by the VM lifecycle.
type VMConfig struct {
	Machine     MachineConfig       `yaml:"machine-config"`
	KernelImagePath string          `yaml:"kernel_image_path"`
	BootArgs    string              `yaml:"boot_args"`
	Drives      []BlockDeviceConfig `yaml:"drives"`
	NetDevices  []NetDeviceConfig   `yaml:"network-interfaces"`
	Balloon     *BalloonConfig      `yaml:"balloon,omitempty"`
	Vsock       *VsockConfig        `yaml:"vsock,omitempty"`
	APISocketPath string            `yaml:"api_socket_path"`
}

// Default returns a minimal single-vCPU, 128MiB configuration.
func Default() VMConfig {
	return VMConfig{
		Machine: MachineConfig{
			VCPUCount:  1,
			MemSizeMiB: 128,
		},
		APISocketPath: "/run/vmm.socket",
	}
}

// Load reads and validates a VMConfig from a YAML file.
func Load(path string) (VMConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return VMConfig{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return VMConfig{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return VMConfig{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants the VM lifecycle relies on before it
// commits any kernel resources.
func (c VMConfig) Validate() error {
	if c.Machine.VCPUCount <= 0 {
		return fmt.Errorf("machine-config.vcpu_count must be positive")
	}
	if c.Machine.VCPUCount > 128 {
		return fmt.Errorf("machine-config.vcpu_count %d exceeds the 128 logical-processor ceiling", c.Machine.VCPUCount)
	}
	if c.Machine.MemSizeMiB == 0 {
		return fmt.Errorf("machine-config.mem_size_mib must be positive")
	}
	seen := make(map[string]struct{}, len(c.Drives))
	for _, d := range c.Drives {
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("duplicate drive id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}
