package devices

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

type countingRaiser struct {
	raised [16]int
	lowered [16]int
}

func (c *countingRaiser) RaiseIRQ(line uint8) { c.raised[line&15]++ }
func (c *countingRaiser) LowerIRQ(line uint8) { c.lowered[line&15]++ }

func TestPITLatchReadSequence(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	p := NewPITDevice(clk.now, nil)

	// Program channel 1, LSB-then-MSB, mode 2, reload 1000 (0x03E8).
	out(t, p, PIT_PORT_COMMAND, 0x74)
	out(t, p, PIT_PORT_COUNTER1, 0xE8)
	out(t, p, PIT_PORT_COUNTER1, 0x03)

	clk.advance(237 * time.Millisecond)
	want := uint16(p.liveCountLocked(1, clk.now()))

	out(t, p, PIT_PORT_COMMAND, 0x40) // latch channel 1 (rw field 00)
	lsb := in(t, p, PIT_PORT_COUNTER1)
	msb := in(t, p, PIT_PORT_COUNTER1)
	got := uint16(lsb) | uint16(msb)<<8
	if got != want {
		t.Fatalf("latched value = 0x%04x, want 0x%04x", got, want)
	}

	clk.advance(50 * time.Millisecond)
	wantLive := uint16(p.liveCountLocked(1, clk.now()))
	lsb2 := in(t, p, PIT_PORT_COUNTER1)
	msb2 := in(t, p, PIT_PORT_COUNTER1)
	gotLive := uint16(lsb2) | uint16(msb2)<<8
	if gotLive != wantLive {
		t.Fatalf("post-latch read should reflect the live count again: got 0x%04x, want 0x%04x", gotLive, wantLive)
	}
}

func TestPITLiveCountNeverReportsZero(t *testing.T) {
	clk := &fakeClock{t: time.Unix(2000, 0)}
	p := NewPITDevice(clk.now, nil)
	out(t, p, PIT_PORT_COMMAND, 0x30) // channel 0, LOHI, mode 0
	out(t, p, PIT_PORT_COUNTER0, 0x00)
	out(t, p, PIT_PORT_COUNTER0, 0x01) // reload 0x0100 = 256

	reload := uint64(p.channels[0].effectiveReload())
	period := time.Duration(ticksToNs(reload))
	clk.advance(period) // exactly one full period: ticks mod reload wraps to 0, so the count reads back as reload

	got := p.liveCountLocked(0, clk.now())
	if got != uint32(reload) {
		t.Fatalf("live count at an exact period boundary = %d, want clamp to reload %d", got, reload)
	}
}

func TestPITOut2SquareWave(t *testing.T) {
	clk := &fakeClock{t: time.Unix(3000, 0)}
	p := NewPITDevice(clk.now, nil)
	out(t, p, PIT_PORT_COMMAND, 0xB6) // channel 2, LOHI, mode 3
	out(t, p, PIT_PORT_COUNTER2, 0x64)
	out(t, p, PIT_PORT_COUNTER2, 0x00) // reload 100

	p.SetGate2(true)

	if !p.out2Locked(clk.now()) {
		t.Fatal("OUT2 should be high at the start of the square-wave period")
	}
	clk.advance(time.Duration(ticksToNs(75)))
	if p.out2Locked(clk.now()) {
		t.Fatal("OUT2 should be low past the half-period point of a mode-3 square wave")
	}
}

func TestPITTickFiresIRQ0Periodically(t *testing.T) {
	clk := &fakeClock{t: time.Unix(4000, 0)}
	irq := &countingRaiser{}
	p := NewPITDevice(clk.now, irq)
	out(t, p, PIT_PORT_COMMAND, 0x30) // channel 0, LOHI, mode 0
	out(t, p, PIT_PORT_COUNTER0, 0x00)
	out(t, p, PIT_PORT_COUNTER0, 0x01) // reload 256

	period := time.Duration(ticksToNs(256))
	p.Tick(clk.now()) // primes irq0NextFire, no interrupt yet
	if irq.raised[PIT_IRQ] != 0 {
		t.Fatalf("first Tick after arming should not fire, got %d raises", irq.raised[PIT_IRQ])
	}

	clk.advance(3 * period)
	p.Tick(clk.now())
	if irq.raised[PIT_IRQ] != 3 {
		t.Fatalf("expected 3 catch-up IRQ0 pulses after 3 periods elapsed, got %d", irq.raised[PIT_IRQ])
	}
	if irq.lowered[PIT_IRQ] != irq.raised[PIT_IRQ] {
		t.Fatalf("every raise should be paired with a lower, raised=%d lowered=%d", irq.raised[PIT_IRQ], irq.lowered[PIT_IRQ])
	}
}
