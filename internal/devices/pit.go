package devices

import (
	"fmt"
	"sync"
)

// PITDevice implements a basic 8254 Programmable Interval Timer.
type PITDevice struct {
	irqRaiser InterruptRaiser // To signal interrupts to the PIC
	lock      sync.Mutex

	// Internal registers for each counter
	// Counter 0: IRQ0 (System Timer)
	// Counter 1: RAM refresh (not usually emulated directly)
	// Counter 2: PC speaker (not usually emulated directly)
	counters [3]pitCounterState

	// Control Word Register (0x43) state
	controlWord byte
	// Keep track of which byte (LSB/MSB) is expected next for each counter
	readWriteLatch [3]byte // 0: LSB expected next, 1: MSB expected next
}

type pitCounterState struct {
	value   uint16 // Current counter value
	latch   uint16 // Latched value for read operations
	reload  uint16 // Value to reload counter with
	mode    byte   // Operating mode (0-5)
	rwMode  byte   // Read/Write mode (LSB, MSB, LOHI)
	bcdMode bool   // BCD or Binary counting
}

// NewPITDevice creates and initializes a new PITDevice.
func NewPITDevice(irqRaiser InterruptRaiser) *PITDevice {
	p := &PITDevice{
		irqRaiser: irqRaiser,
	}
	// Default power-on state: all counters in Mode 3 (square wave), binary, LOHI access, count 0.
	// This is typically done by the BIOS.
	for i := 0; i < 3; i++ {
		p.counters[i].mode = 0x3 // Mode 3
		p.counters[i].rwMode = 0x3 // LOHI
		p.counters[i].bcdMode = false
		p.counters[i].value = 0
		p.counters[i].reload = 0 // Will be set when writing to counter ports
		p.readWriteLatch[i] = 0 // Expect LSB first
	}
	return p
}

// HandleIO processes I/O operations for the PIT.
// `port`: The I/O port address.
// `direction`: 0 for IN (read from device), 1 for OUT (write to device).
// `size`: The size of the data transfer (1, 2, or 4 bytes).
// `data`: A slice of bytes pointing to the data buffer in kvm_run_mmap.
//         For IN, write to this slice. For OUT, read from this slice.
func (p *PITDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if size != 1 {
		return fmt.Errorf("devices: PIT I/O size %d not supported for port 0x%x", size, port)
	}

	val := byte(0)
	if direction == IODirectionOut { // Only read from data if it's an OUT operation
		val = data[0]
	}

	switch port {
	case PIT_PORT_COUNTER0, PIT_PORT_COUNTER1, PIT_PORT_COUNTER2:
		counterIndex := int(port - PIT_PORT_COUNTER0)
		if direction == IODirectionOut { // Write to counter
			p.writeCounterPort(counterIndex, val)
		} else { // Read from counter
			data[0] = p.readCounterPort(counterIndex)
		}
	case PIT_PORT_COMMAND:
		if direction == IODirectionOut { // Write to command register
			p.writeCommandPort(val)
		} else { // Read from command register (not typically readable)
			return fmt.Errorf("devices: read from PIT command port 0x%x not supported", port)
		}
	case PIT_PORT_STATUS: // Port 0x61, PC Speaker / Gate A20 (for modern systems, usually dummy)
		if direction == IODirectionOut {
			// Actual emulation of the speaker gate / A20 line isn't modeled.
		} else {
			data[0] = 0x20 // Simulate A20 high, other bits 0 for simplicity
		}
	default:
		return fmt.Errorf("devices: unhandled PIT I/O to port 0x%x, direction %d", port, direction)
	}
	return nil
}

func (p *PITDevice) writeCounterPort(index int, val byte) {
	counter := &p.counters[index]

	// Handle read/write modes (LSB, MSB, LOHI)
	switch counter.rwMode {
	case PIT_RW_LATCH: // Latch command, not data write; a malformed guest program.
		return
	case PIT_RW_LSB:
		counter.reload = uint16(val)
		counter.value = counter.reload // Load immediately for single byte writes
	case PIT_RW_MSB:
		counter.reload = uint16(val) << 8
		counter.value = counter.reload // Load immediately for single byte writes
	case PIT_RW_LOHI:
		// LOHI: Write LSB first, then MSB.
		if p.readWriteLatch[index] == 0 { // Expect LSB
			counter.reload = uint16(val) // Store LSB
			p.readWriteLatch[index] = 1  // Next expects MSB
		} else { // Expect MSB
			counter.reload |= uint16(val) << 8 // Combine with stored LSB
			counter.value = counter.reload     // Load full 16-bit value
			p.readWriteLatch[index] = 0        // Reset for next LOHI
		}
	}
}

func (p *PITDevice) readCounterPort(index int) byte {
	counter := &p.counters[index]
	var readVal byte

	// If a latch command was issued, read from the latched value. This
	// model assumes LOHI order for the latched read regardless of the
	// counter's configured rwMode, matching the common guest usage.
	if counter.rwMode == PIT_RW_LATCH {
		if p.readWriteLatch[index] == 0 { // Expect LSB of latched value
			readVal = byte(counter.latch & 0xFF)
			p.readWriteLatch[index] = 1 // Next expects MSB
		} else { // Expect MSB of latched value
			readVal = byte((counter.latch >> 8) & 0xFF)
			p.readWriteLatch[index] = 0 // Reset latch read sequence
		}
		return readVal
	}

	// Handle read/write modes (LSB, MSB, LOHI) for direct counter read
	switch counter.rwMode {
	case PIT_RW_LSB:
		readVal = byte(counter.value & 0xFF) // Read current LSB
	case PIT_RW_MSB:
		readVal = byte((counter.value >> 8) & 0xFF) // Read current MSB
	case PIT_RW_LOHI:
		if p.readWriteLatch[index] == 0 { // Expect LSB
			readVal = byte(counter.value & 0xFF)
			p.readWriteLatch[index] = 1 // Next expects MSB
		} else { // Expect MSB
			readVal = byte((counter.value >> 8) & 0xFF)
			p.readWriteLatch[index] = 0 // Reset for next LOHI
		}
	default:
		readVal = byte(counter.value & 0xFF)
	}
	return readVal
}

func (p *PITDevice) writeCommandPort(val byte) {
	// Bits 7-6: Select Counter (00=0, 01=1, 10=2, 11=read-back)
	counterIndex := int((val >> 6) & 0x3)
	// Bits 5-4: Read/Write Mode (00=latch, 01=LSB, 10=MSB, 11=LOHI)
	rwMode := (val >> 4) & 0x3
	// Bits 3-1: Operating Mode (0-5)
	opMode := (val >> 1) & 0x7
	// Bit 0: BCD/Binary Mode (0=binary, 1=BCD)
	bcdMode := (val & 0x1) != 0

	if counterIndex == 0x3 { // Read-back command: latching status/count isn't modeled.
		return
	}

	// If it's a Latch command (rwMode == 0), latch the specified counter.
	if rwMode == PIT_RW_LATCH {
		p.counters[counterIndex].latch = p.counters[counterIndex].value // Latch the current count
		p.counters[counterIndex].rwMode = PIT_RW_LATCH                 // Indicate value is latched
		p.readWriteLatch[counterIndex] = 0                             // Reset read sequence for the latched value (expect LSB)
	} else {
		// For other commands (setting mode, LSB/MSB, LOHI), apply to the counter.
		p.counters[counterIndex].rwMode = rwMode
		p.counters[counterIndex].mode = opMode
		p.counters[counterIndex].bcdMode = bcdMode
		p.readWriteLatch[counterIndex] = 0 // Reset read/write sequence for new data/mode
	}
}

// Tick advances counter 0's countdown by one step. On underflow it raises
// the system timer IRQ and, outside one-shot mode, reloads the counter so
// the next Tick call starts a fresh countdown.
func (p *PITDevice) Tick(irqLine uint8) {
	p.lock.Lock()
	defer p.lock.Unlock()

	c := &p.counters[0]
	if c.value == 0 {
		return
	}
	c.value--
	if c.value != 0 {
		return
	}
	if c.mode != 0 { // mode 0 (interrupt on terminal count) doesn't auto-reload
		c.value = c.reload
	}
	if p.irqRaiser != nil {
		p.irqRaiser.RaiseIRQ(irqLine)
	}
}
