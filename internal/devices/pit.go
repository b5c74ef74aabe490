package devices

import (
	"math/bits"
	"sync"
	"time"
)

// pitHzNum is the 1.193182 MHz PIT reference frequency, kept as an exact
// integer numerator the way the original prototype computes ticks.
const pitHzNum = 1193182

// nsToPitTicks converts an elapsed duration in nanoseconds into PIT ticks,
// rounding to the nearest tick. Uses a 128-bit intermediate product (via
// math/bits) instead of int64 multiplication: elapsedNs*pitHzNum can
// exceed the int64 range well within a single BIOS run, and the prototype
// this is grounded on used a 128-bit accumulator for exactly that reason.
func nsToPitTicks(elapsedNs uint64) uint64 {
	hi, lo := bits.Mul64(elapsedNs, pitHzNum)
	var carry uint64
	lo, carry = bits.Add64(lo, 500_000_000, 0)
	hi += carry
	q, _ := bits.Div64(hi, lo, 1_000_000_000)
	return q
}

// ticksToNs converts a tick count back to nanoseconds. Channel periods are
// small enough (<= 65536 ticks) that plain 64-bit arithmetic never
// overflows here.
func ticksToNs(ticks uint64) int64 {
	return int64((ticks*1_000_000_000 + pitHzNum/2) / pitHzNum)
}

type pitChannel struct {
	reloadRaw uint16 // as programmed; 0 means 65536
	rw        byte   // PIT_RW_*
	mode      byte   // operating mode; only channel 2 distinguishes 2 vs 3

	writeLSB       byte
	expectMSBWrite bool

	startTime  time.Time
	programmed bool

	latched    bool
	latchValue uint16
	flip       bool // false selects LSB next

	gate bool // channel 2 only: PPI 0x61 bit 0
}

func (c *pitChannel) effectiveReload() uint32 {
	if c.reloadRaw == 0 {
		return 0x10000
	}
	return uint32(c.reloadRaw)
}

// PITDevice models the 8253/8254's three independent down-counters. Its
// clock is injected so tests can drive deterministic latched-count
// scenarios instead of depending on wall time.
type PITDevice struct {
	mu       sync.Mutex
	channels [3]pitChannel
	nowFn    func() time.Time
	irq      InterruptRaiser

	irq0NextFire    time.Time
	irq0Initialized bool
}

// NewPITDevice creates a PIT with channels 0 and 1 pre-programmed to
// 65536 (the BIOS's default periodic timer) and channel 2 idle, matching
// real PC/XT reset state. now defaults to time.Now when nil.
func NewPITDevice(now func() time.Time, irq InterruptRaiser) *PITDevice {
	if now == nil {
		now = time.Now
	}
	p := &PITDevice{nowFn: now, irq: irq}
	t := p.nowFn()
	for i := range p.channels {
		p.channels[i].rw = PIT_RW_LOHI
	}
	p.channels[0].programmed = true
	p.channels[0].startTime = t
	p.channels[1].programmed = true
	p.channels[1].startTime = t
	p.channels[2].mode = 3
	return p
}

func (p *PITDevice) liveCountLocked(idx int, now time.Time) uint32 {
	c := &p.channels[idx]
	reload := uint64(c.effectiveReload())
	if !c.programmed {
		return uint32(reload)
	}
	elapsed := now.Sub(c.startTime)
	if elapsed < 0 {
		elapsed = 0
	}
	ticks := nsToPitTicks(uint64(elapsed.Nanoseconds()))
	down := reload - (ticks % reload)
	if down == 0 {
		down = reload
	}
	return uint32(down)
}

// Out2 reports channel 2's OUT pin state, driving the PPI speaker bit and
// status-mux mirror.
func (p *PITDevice) Out2() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out2Locked(p.nowFn())
}

func (p *PITDevice) out2Locked(now time.Time) bool {
	c := &p.channels[2]
	if !c.programmed || !c.gate {
		return true
	}
	reload := uint64(c.effectiveReload())
	elapsed := now.Sub(c.startTime)
	if elapsed < 0 {
		elapsed = 0
	}
	ticks := nsToPitTicks(uint64(elapsed.Nanoseconds()))
	phase := ticks % reload
	if c.mode == 3 {
		return phase < reload/2
	}
	return phase != reload-1
}

// SetGate2 drives channel 2's gate input (PPI 0x61 bit 0). A rising edge
// while the gate was previously low restarts the channel's phase.
func (p *PITDevice) SetGate2(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &p.channels[2]
	risingEdge := on && !c.gate
	c.gate = on
	if risingEdge {
		c.startTime = p.nowFn()
	}
}

func (p *PITDevice) writeControl(val byte) {
	chSel := (val >> 6) & 3
	if chSel == 3 {
		// read-back command (8254 only); no SPEC_FULL component exercises it
		return
	}
	rw := (val >> 4) & 3
	mode := (val >> 1) & 7
	if mode == 6 {
		mode = 2
	} else if mode == 7 {
		mode = 3
	}
	c := &p.channels[chSel]
	if rw == 0 {
		live := p.liveCountLocked(int(chSel), p.nowFn())
		c.latched = true
		c.latchValue = uint16(live)
		c.flip = false
		return
	}
	c.rw = rw
	if chSel == 2 {
		c.mode = byte(mode)
	}
	c.expectMSBWrite = false
}

func (p *PITDevice) writeData(idx int, val byte, now time.Time) {
	c := &p.channels[idx]
	switch c.rw {
	case PIT_RW_LSB:
		c.reloadRaw = uint16(val)
		c.arm(now)
	case PIT_RW_MSB:
		c.reloadRaw = uint16(val) << 8
		c.arm(now)
	case PIT_RW_LOHI:
		if !c.expectMSBWrite {
			c.writeLSB = val
			c.expectMSBWrite = true
			return
		}
		c.reloadRaw = uint16(c.writeLSB) | uint16(val)<<8
		c.expectMSBWrite = false
		c.arm(now)
	}
}

func (c *pitChannel) arm(now time.Time) {
	c.startTime = now
	c.programmed = true
}

func (p *PITDevice) readData(idx int, now time.Time) byte {
	c := &p.channels[idx]
	var val uint16
	if c.latched {
		val = c.latchValue
	} else {
		val = uint16(p.liveCountLocked(idx, now))
	}
	first := !c.flip
	var b byte
	if first {
		b = byte(val)
	} else {
		b = byte(val >> 8)
	}
	c.flip = !c.flip
	if c.latched && !first {
		c.latched = false
	}
	return b
}

func (p *PITDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFn()
	switch port {
	case PIT_PORT_COUNTER0, PIT_PORT_COUNTER1, PIT_PORT_COUNTER2:
		idx := int(port - PIT_PORT_COUNTER0)
		if direction == IODirectionOut {
			if len(data) > 0 {
				p.writeData(idx, data[0], now)
				if idx == 0 {
					p.irq0Initialized = false
				}
			}
		} else if len(data) > 0 {
			data[0] = p.readData(idx, now)
		}
	case PIT_PORT_COMMAND:
		if direction == IODirectionOut && len(data) > 0 {
			p.writeControl(data[0])
			if (data[0]>>6)&3 == 0 {
				p.irq0Initialized = false
			}
		} else if direction == IODirectionIn && len(data) > 0 {
			data[0] = 0xFF
		}
	}
	return nil
}

// Tick advances IRQ0 emission by one run-loop iteration: while the
// channel-0 period has fully elapsed, pulse line 0 on the PIC once per
// period in a catch-up loop with no accumulated drift.
func (p *PITDevice) Tick(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.channels[0].programmed || p.irq == nil {
		return
	}
	period := time.Duration(ticksToNs(uint64(p.channels[0].effectiveReload())))
	if period <= 0 {
		return
	}
	if !p.irq0Initialized {
		p.irq0NextFire = now.Add(period)
		p.irq0Initialized = true
		return
	}
	for !now.Before(p.irq0NextFire) {
		p.irq.RaiseIRQ(PIT_IRQ)
		p.irq.LowerIRQ(PIT_IRQ)
		p.irq0NextFire = p.irq0NextFire.Add(period)
	}
}
