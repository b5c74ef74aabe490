package devices

import (
	"testing"
	"time"
)

func TestPlatformNMIMaskLatchTopBitOnly(t *testing.T) {
	p := NewPlatformDevice(nil)
	out(t, p, NMI_MASK_PORT, 0xFF)
	if got := in(t, p, NMI_MASK_PORT); got != 0x80 {
		t.Fatalf("NMI mask latch = 0x%x, want 0x80 (only bit 7 stored)", got)
	}
}

func TestPlatformPPI61GatesChannel2(t *testing.T) {
	clk := &fakeClock{t: time.Unix(5000, 0)}
	pit := NewPITDevice(clk.now, nil)
	out(t, pit, PIT_PORT_COMMAND, 0xB6) // channel 2, LOHI, mode 3
	out(t, pit, PIT_PORT_COUNTER2, 0x64)
	out(t, pit, PIT_PORT_COUNTER2, 0x00) // reload 100

	p := NewPlatformDevice(pit)
	out(t, p, PPI_PORT_61, 0x01) // bit 0: gate 2 on

	if !pit.channels[2].gate {
		t.Fatal("writing PPI 0x61 bit 0 should gate PIT channel 2 on")
	}

	v := in(t, p, PPI_PORT_61)
	if v&0x20 == 0 {
		t.Fatalf("PPI 0x61 bit 5 should mirror OUT2 (high at the start of the period), got 0x%x", v)
	}
}

func TestPlatformPOSTPortLogsAndReadsZero(t *testing.T) {
	p := NewPlatformDevice(nil)
	out(t, p, POST_PORT, 0x42)
	if got := in(t, p, POST_PORT); got != 0 {
		t.Fatalf("POST port read = 0x%x, want 0", got)
	}
}

func TestPlatformCGAStatusTogglesRetraceBit(t *testing.T) {
	p := NewPlatformDevice(nil)
	first := in(t, p, CGA_STATUS_PORT)
	second := in(t, p, CGA_STATUS_PORT)
	if first&0x01 == 0 || second&0x01 == 0 {
		t.Fatalf("CGA status reads must always report bit 0 set, got 0x%x then 0x%x", first, second)
	}
	if first&0x08 == second&0x08 {
		t.Fatalf("successive CGA status reads should toggle the retrace bit: got 0x%x then 0x%x", first, second)
	}
}

func TestPlatformCGAModeShadow(t *testing.T) {
	p := NewPlatformDevice(nil)
	out(t, p, CGA_MODE_PORT, 0x29)
	if got := in(t, p, CGA_MODE_PORT); got != 0x29 {
		t.Fatalf("CGA mode shadow = 0x%x, want 0x29", got)
	}
}
