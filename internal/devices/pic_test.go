package devices

import "testing"

func out(t *testing.T, p PioDevice, port uint16, val byte) {
	t.Helper()
	if err := p.HandleIO(port, IODirectionOut, 1, []byte{val}); err != nil {
		t.Fatalf("write 0x%x=0x%x: %v", port, val, err)
	}
}

func in(t *testing.T, p PioDevice, port uint16) byte {
	t.Helper()
	data := []byte{0}
	if err := p.HandleIO(port, IODirectionIn, 1, data); err != nil {
		t.Fatalf("read 0x%x: %v", port, err)
	}
	return data[0]
}

// initMaster runs the standard PC/XT ICW1-ICW4 sequence on the master
// with vector base 0x08 and auto-EOI disabled.
func initMaster(t *testing.T, p *PICDevice) {
	t.Helper()
	out(t, p, PIC_MASTER_CMD_PORT, 0x11) // ICW1: init, ICW4 follows
	out(t, p, PIC_MASTER_DATA_PORT, 0x08) // ICW2: vector base
	out(t, p, PIC_MASTER_DATA_PORT, 0x04) // ICW3: slave on IRQ2
	out(t, p, PIC_MASTER_DATA_PORT, 0x01) // ICW4: 8086 mode, no auto-EOI
}

func TestPICInitAndIMRRoundTrip(t *testing.T) {
	p := NewPICDevice()
	initMaster(t, p)

	out(t, p, PIC_MASTER_DATA_PORT, 0xFE) // unmask IRQ0 only
	if got := in(t, p, PIC_MASTER_DATA_PORT); got != 0xFE {
		t.Fatalf("IMR round trip: got 0x%x, want 0xFE", got)
	}

	p.RaiseIRQ(0)
	if !p.HasPendingInterrupts() {
		t.Fatal("expected IRQ0 pending after raise")
	}

	vec, ok := p.GetInterruptVector()
	if !ok || vec != 0x08 {
		t.Fatalf("GetInterruptVector = (0x%x, %v), want (0x08, true)", vec, ok)
	}
	if p.HasPendingInterrupts() {
		t.Fatal("no interrupt should be pending once IRQ0 has been acknowledged")
	}
}

func TestPICAckOrderingAndEOI(t *testing.T) {
	p := NewPICDevice()
	initMaster(t, p)
	out(t, p, PIC_MASTER_DATA_PORT, 0x00) // unmask everything

	p.RaiseIRQ(1)
	p.RaiseIRQ(0)

	vec, ok := p.GetInterruptVector()
	if !ok || vec != 0x08 {
		t.Fatalf("first ack = (0x%x, %v), want (0x08, true) (IRQ0 has higher priority)", vec, ok)
	}

	out(t, p, PIC_MASTER_CMD_PORT, 0x20) // non-specific EOI for IRQ0

	vec, ok = p.GetInterruptVector()
	if !ok || vec != 0x09 {
		t.Fatalf("second ack = (0x%x, %v), want (0x09, true) (IRQ1 next)", vec, ok)
	}
}

func TestPICISRAndIRRMutuallyExclusive(t *testing.T) {
	p := NewPICDevice()
	initMaster(t, p)
	out(t, p, PIC_MASTER_DATA_PORT, 0x00)

	p.RaiseIRQ(3)
	p.GetInterruptVector()

	out(t, p, PIC_MASTER_CMD_PORT, 0x08|0x02|0x01) // OCW3: select ISR
	isr := in(t, p, PIC_MASTER_CMD_PORT)
	out(t, p, PIC_MASTER_CMD_PORT, 0x08|0x02) // OCW3: select IRR
	irr := in(t, p, PIC_MASTER_CMD_PORT)

	if isr&irr != 0 {
		t.Fatalf("ISR (0x%x) and IRR (0x%x) must never share a set bit for the same line", isr, irr)
	}
	if isr&(1<<3) == 0 {
		t.Fatalf("expected IRQ3 in ISR while awaiting EOI, got ISR=0x%x", isr)
	}
}

func TestPICCascadeDeliversSlaveVector(t *testing.T) {
	p := NewPICDevice()
	initMaster(t, p)
	out(t, p, PIC_MASTER_DATA_PORT, 0x00)

	out(t, p, PIC_SLAVE_CMD_PORT, 0x11)
	out(t, p, PIC_SLAVE_DATA_PORT, 0x70)
	out(t, p, PIC_SLAVE_DATA_PORT, 0x02)
	out(t, p, PIC_SLAVE_DATA_PORT, 0x01)
	out(t, p, PIC_SLAVE_DATA_PORT, 0x00) // unmask all slave lines

	p.RaiseIRQ(14) // RTC-style slave line (slave IRQ6)
	if !p.HasPendingInterrupts() {
		t.Fatal("slave-raised line should surface as pending on the master")
	}
	vec, ok := p.GetInterruptVector()
	if !ok || vec != 0x76 {
		t.Fatalf("cascaded ack = (0x%x, %v), want (0x76, true)", vec, ok)
	}
}
