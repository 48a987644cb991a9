package devices

import (
	"fmt"
	"sync"
)

// keyboardFIFOCapacity bounds the i8042 output buffer: if a guest never
// polls 0x60, the oldest queued scancodes are dropped to make room for new
// ones instead of the buffer growing without limit.
const keyboardFIFOCapacity = 16

// ctrlAltDelScancodes is the guest-visible three-key sequence a real
// keyboard controller would emit for Ctrl+Alt+Del: Ctrl make, Alt make,
// Del make. This model only emits make codes since the guest only needs
// to see the combination pressed to trigger its reboot handler.
var ctrlAltDelScancodes = []byte{0x1D, 0x38, 0x53}

// KeyboardDevice implements a minimal PS/2 i8042 controller: a bounded
// scancode FIFO readable from port 0x60, with status readable from 0x64.
type KeyboardDevice struct {
	lock   sync.Mutex
	buffer []byte
}

// NewKeyboardDevice creates an empty keyboard controller.
func NewKeyboardDevice() *KeyboardDevice {
	return &KeyboardDevice{}
}

// SendCtrlAltDel queues the Ctrl+Alt+Del scancode sequence for the guest to
// poll, dropping the oldest queued bytes if the FIFO is already full.
func (k *KeyboardDevice) SendCtrlAltDel() {
	k.lock.Lock()
	defer k.lock.Unlock()
	k.enqueueLocked(ctrlAltDelScancodes)
}

func (k *KeyboardDevice) enqueueLocked(scancodes []byte) {
	k.buffer = append(k.buffer, scancodes...)
	if overflow := len(k.buffer) - keyboardFIFOCapacity; overflow > 0 {
		k.buffer = k.buffer[overflow:]
	}
}

// HandleIO processes I/O operations for the keyboard device.
// It responds to reads on port 0x64 (status) and 0x60 (data).
func (k *KeyboardDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	k.lock.Lock()
	defer k.lock.Unlock()

	if size != 1 {
		return fmt.Errorf("KeyboardDevice: I/O size %d not supported for port 0x%x. Only 1-byte supported", size, port)
	}
	if direction == IODirectionOut {
		return fmt.Errorf("KeyboardDevice: write to port 0x%x not supported in this model", port)
	}

	switch port {
	case KEYBOARD_PORT_STATUS:
		if len(k.buffer) > 0 {
			data[0] = 0x01 // OBF: output buffer full, a byte is waiting at 0x60
		} else {
			data[0] = 0x00
		}

	case KEYBOARD_PORT_DATA:
		if len(k.buffer) > 0 {
			data[0] = k.buffer[0]
			k.buffer = k.buffer[1:]
		} else {
			data[0] = 0x00
		}

	default:
		return fmt.Errorf("KeyboardDevice: unhandled IN from port 0x%x", port)
	}

	return nil
}
