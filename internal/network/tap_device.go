package network

import (
	"fmt"
	"os/exec"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix" // For TUNSETIFF ioctl

	"github.com/go-microvm/vmm/internal/obs"
)

// HostNetInterface defines the interface for interacting with the host's network.
type HostNetInterface interface {
	ReadPacket() ([]byte, error)
	WritePacket(packet []byte) error
	Name() string
	Close() error
}

// TapDevice implements HostNetInterface using a Linux TUN/TAP device.
type TapDevice struct {
	fd   int
	name string
}

// NewTapDevice creates and configures a new TAP device.
func NewTapDevice(name string) (*TapDevice, error) {
	fd, err := syscall.Open("/dev/net/tun", syscall.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/net/tun: %w", err)
	}

	var ifr struct {
		Name [16]byte
		Flags uint16
		_    [2]byte // Padding
	}
	copy(ifr.Name[:], name)
	ifr.Flags = unix.IFF_TAP | unix.IFF_NO_PI // IFF_TAP for Ethernet frames, IFF_NO_PI to not include packet info

	// TUNSETIFF ioctl
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr)))
	if errno != 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF ioctl failed for %s: %w", name, errno)
	}

	obs.With("tap", name).WithField("fd", fd).Info("tap device created")
	return &TapDevice{fd: fd, name: name}, nil
}

// Name returns the host-side interface name (e.g. "tap0").
func (t *TapDevice) Name() string { return t.name }

// ReadPacket reads an Ethernet frame from the TAP device.
func (t *TapDevice) ReadPacket() ([]byte, error) {
	buffer := make([]byte, 2048) // Max Ethernet frame size + some buffer
	n, err := syscall.Read(t.fd, buffer)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return nil, nil // No data available right now, not an error
		}
		return nil, fmt.Errorf("failed to read from tap device %s: %w", t.name, err)
	}
	return buffer[:n], nil
}

// WritePacket writes an Ethernet frame to the TAP device.
func (t *TapDevice) WritePacket(packet []byte) error {
	_, err := syscall.Write(t.fd, packet)
	if err != nil {
		return fmt.Errorf("failed to write to tap device %s: %w", t.name, err)
	}
	return nil
}

// Close closes the TAP device file descriptor.
func (t *TapDevice) Close() error {
	if t.fd != 0 {
		obs.With("tap", t.name).Info("closing tap device")
		return syscall.Close(t.fd)
	}
	return nil
}

// ConfigureTapInterface brings the named tap interface up and assigns it
// ipAddress/24 on the host side, via the `ip` binary. Run once per tap
// at boot, before the guest starts sending traffic.
func ConfigureTapInterface(name string, ipAddress string) error {
	if err := exec.Command("ip", "link", "set", "dev", name, "up").Run(); err != nil {
		return fmt.Errorf("ip link set dev %s up: %w", name, err)
	}
	cidr := ipAddress + "/24"
	if err := exec.Command("ip", "addr", "add", cidr, "dev", name).Run(); err != nil {
		return fmt.Errorf("ip addr add %s dev %s: %w", cidr, name, err)
	}
	return nil
}
