package devices

import (
	"bytes"
	"testing"
)

type fakeIRQRaiser struct {
	raised []uint8
}

func (f *fakeIRQRaiser) RaiseIRQ(irqLine uint8) { f.raised = append(f.raised, irqLine) }

func TestSerialTHRWriteGoesToOutputWriter(t *testing.T) {
	var out bytes.Buffer
	s := NewSerialPortDevice(&out, &fakeIRQRaiser{})

	if err := s.HandleIO(COM1_PORT_BASE, IODirectionOut, 1, []byte{'A'}); err != nil {
		t.Fatalf("HandleIO: %v", err)
	}
	if out.String() != "A" {
		t.Fatalf("output = %q, want %q", out.String(), "A")
	}
}

func TestSerialPushInputIsReadableViaRHR(t *testing.T) {
	s := NewSerialPortDevice(&bytes.Buffer{}, &fakeIRQRaiser{})
	s.PushInput([]byte("hi"))

	buf := []byte{0}
	if err := s.HandleIO(COM1_PORT_BASE, IODirectionIn, 1, buf); err != nil {
		t.Fatalf("HandleIO: %v", err)
	}
	if buf[0] != 'h' {
		t.Fatalf("first byte = %q, want 'h'", buf[0])
	}
	if err := s.HandleIO(COM1_PORT_BASE, IODirectionIn, 1, buf); err != nil {
		t.Fatalf("HandleIO: %v", err)
	}
	if buf[0] != 'i' {
		t.Fatalf("second byte = %q, want 'i'", buf[0])
	}
	if err := s.HandleIO(COM1_PORT_BASE, IODirectionIn, 1, buf); err != nil {
		t.Fatalf("HandleIO: %v", err)
	}
	if buf[0] != 0 {
		t.Fatalf("drained RHR = 0x%x, want 0", buf[0])
	}
}

func TestSerialPushInputRaisesRDAWhenEnabled(t *testing.T) {
	raiser := &fakeIRQRaiser{}
	s := NewSerialPortDevice(&bytes.Buffer{}, raiser)

	// Enable Received Data Available interrupt via IER.
	if err := s.HandleIO(COM1_PORT_BASE+IER_DLH, IODirectionOut, 1, []byte{IER_RX_DATA_AVAILABLE}); err != nil {
		t.Fatalf("HandleIO IER: %v", err)
	}

	s.PushInput([]byte{0x41})
	if len(raiser.raised) != 1 || raiser.raised[0] != SERIAL_IRQ {
		t.Fatalf("raised = %v, want one SERIAL_IRQ", raiser.raised)
	}
}

func TestSerialPushInputNoIRQWhenDisabled(t *testing.T) {
	raiser := &fakeIRQRaiser{}
	s := NewSerialPortDevice(&bytes.Buffer{}, raiser)

	s.PushInput([]byte{0x41})
	if len(raiser.raised) != 0 {
		t.Fatalf("raised = %v, want none (IER RDA bit not set)", raiser.raised)
	}
}

func TestSerialInputFIFOOverflowIsCounted(t *testing.T) {
	s := NewSerialPortDevice(&bytes.Buffer{}, &fakeIRQRaiser{})

	overflow := make([]byte, serialFIFOCapacity+10)
	s.PushInput(overflow)

	if got := s.RxOverflowCount(); got != 10 {
		t.Fatalf("RxOverflowCount() = %d, want 10", got)
	}
}

func TestSerialIIRReflectsRDAThenTHRE(t *testing.T) {
	s := NewSerialPortDevice(&bytes.Buffer{}, &fakeIRQRaiser{})

	// Enable both RDA and THRE interrupts.
	if err := s.HandleIO(COM1_PORT_BASE+IER_DLH, IODirectionOut, 1, []byte{IER_RX_DATA_AVAILABLE | IER_THRE_ENABLE}); err != nil {
		t.Fatalf("HandleIO IER: %v", err)
	}
	s.PushInput([]byte{0x1})

	buf := []byte{0}
	if err := s.HandleIO(COM1_PORT_BASE+IIR_FCR, IODirectionIn, 1, buf); err != nil {
		t.Fatalf("HandleIO IIR: %v", err)
	}
	if buf[0] != IIR_RDA {
		t.Fatalf("IIR = 0x%x, want IIR_RDA while rxFIFO is non-empty", buf[0])
	}

	// Drain the FIFO; THRE is still pending from construction-time LSR_THRE.
	if err := s.HandleIO(COM1_PORT_BASE, IODirectionIn, 1, buf); err != nil {
		t.Fatalf("HandleIO RHR: %v", err)
	}
	if err := s.HandleIO(COM1_PORT_BASE+IIR_FCR, IODirectionIn, 1, buf); err != nil {
		t.Fatalf("HandleIO IIR: %v", err)
	}
	if buf[0] != IIR_THRE {
		t.Fatalf("IIR = 0x%x, want IIR_THRE once rxFIFO drains", buf[0])
	}
}
