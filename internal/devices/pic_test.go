package devices

import "testing"

func picOut(t *testing.T, p *PICDevice, port uint16, val byte) {
	t.Helper()
	if err := p.HandleIO(port, IODirectionOut, 1, []byte{val}); err != nil {
		t.Fatalf("HandleIO out 0x%x: %v", port, err)
	}
}

func picIn(t *testing.T, p *PICDevice, port uint16) byte {
	t.Helper()
	buf := []byte{0}
	if err := p.HandleIO(port, IODirectionIn, 1, buf); err != nil {
		t.Fatalf("HandleIO in 0x%x: %v", port, err)
	}
	return buf[0]
}

// initPIC runs the standard cascaded ICW1-4 sequence used by real BIOSes:
// master vectors start at 0x08, slave at 0x70, cascaded via IRQ2.
func initPIC(t *testing.T, p *PICDevice) {
	t.Helper()
	picOut(t, p, PIC_MASTER_CMD_PORT, PIC_ICW1_INIT|PIC_ICW1_IC4)
	picOut(t, p, PIC_MASTER_DATA_PORT, 0x08) // ICW2: master offset
	picOut(t, p, PIC_MASTER_DATA_PORT, 1<<PIC_MASTER_SLAVE_IRQ) // ICW3: slave on IRQ2
	picOut(t, p, PIC_MASTER_DATA_PORT, PIC_ICW4_UPM) // ICW4

	picOut(t, p, PIC_SLAVE_CMD_PORT, PIC_ICW1_INIT|PIC_ICW1_IC4)
	picOut(t, p, PIC_SLAVE_DATA_PORT, 0x70) // ICW2: slave offset
	picOut(t, p, PIC_SLAVE_DATA_PORT, PIC_MASTER_SLAVE_IRQ) // ICW3: cascade identity
	picOut(t, p, PIC_SLAVE_DATA_PORT, PIC_ICW4_UPM) // ICW4

	picOut(t, p, PIC_MASTER_DATA_PORT, 0x00) // unmask everything on both PICs
	picOut(t, p, PIC_SLAVE_DATA_PORT, 0x00)
}

func TestPICInitSequenceUnmasksAndSetsOffsets(t *testing.T) {
	p := NewPICDevice()
	initPIC(t, p)

	p.RaiseIRQ(0)
	if got := p.GetInterruptVector(); got != 0x08 {
		t.Fatalf("vector for IRQ0 = 0x%x, want 0x08", got)
	}

	p.RaiseIRQ(9) // slave IRQ1
	if got := p.GetInterruptVector(); got != 0x71 {
		t.Fatalf("vector for IRQ9 = 0x%x, want 0x71", got)
	}
}

func TestPICMaskedIRQDoesNotBecomePending(t *testing.T) {
	p := NewPICDevice()
	initPIC(t, p)

	picOut(t, p, PIC_MASTER_DATA_PORT, 1<<3) // mask IRQ3
	p.RaiseIRQ(3)

	if p.HasPendingInterrupts() {
		t.Fatalf("masked IRQ3 should not be pending")
	}
}

func TestPICNonSpecificEOIClearsHighestPriorityISRBit(t *testing.T) {
	p := NewPICDevice()
	initPIC(t, p)

	p.RaiseIRQ(1)
	vector := p.GetInterruptVector()
	if vector != 0x09 {
		t.Fatalf("vector = 0x%x, want 0x09", vector)
	}
	if !p.master.isInService(1) {
		t.Fatalf("IRQ1 should be marked in-service before EOI")
	}

	picOut(t, p, PIC_MASTER_CMD_PORT, PIC_OCW2_EOI_CMD) // non-specific EOI
	if p.master.isInService(1) {
		t.Fatalf("IRQ1 should no longer be in-service after EOI")
	}
}

func TestPICReadIRRViaOCW3(t *testing.T) {
	p := NewPICDevice()
	initPIC(t, p)
	p.RaiseIRQ(5)

	// OCW3: select read register = IRR, request register read.
	picOut(t, p, PIC_MASTER_CMD_PORT, PIC_OCW3_OCW3_ID|PIC_OCW3_RR_CMD)
	if got := picIn(t, p, PIC_MASTER_CMD_PORT); got&(1<<5) == 0 {
		t.Fatalf("IRR readback = 0x%x, want bit 5 set", got)
	}
}

func (pc *PICController) isInService(irq uint8) bool {
	return pc.isr&(1<<irq) != 0
}
