package devices

import (
	"log"
	"sync"
)

// Ports owned by PlatformDevice.
const (
	// NMI_MASK_PORT is relocated from the historical 0xA0 to 0xA8: this
	// build resolves the source's conflicting assignment of 0xA0 (NMI mask
	// latch vs. PIC slave command port) in favor of the cascaded PIC (see
	// internal/devices/pic.go and DESIGN.md), so the NMI latch moves to an
	// address nothing else in the port table claims.
	NMI_MASK_PORT uint16 = 0xA8

	PPI_PORT_61 uint16 = 0x61
	PPI_PORT_62 uint16 = 0x62
	PPI_PORT_63 uint16 = 0x63

	POST_PORT uint16 = 0x80

	CGA_MODE_PORT      uint16 = 0x3D8
	CGA_MODE_PORT_MONO uint16 = 0x3B8
	CGA_STATUS_PORT    uint16 = 0x3DA
)

// PlatformDevice is the grab-bag of single-byte platform shadows the
// original source kept as ad-hoc statics in its dispatch loop: the NMI
// mask latch, the 8255 PPI's speaker/DIP/scratch ports, the POST code
// port, and the CGA mode/status shadows. Grouping them here moves that
// global dispatch state into one explicit component.
type PlatformDevice struct {
	mu sync.Mutex

	nmiMask byte

	ppi61 byte
	ppi63 byte

	cgaMode     byte
	cgaModeMono byte
	cgaStatus   byte

	pit *PITDevice
}

// NewPlatformDevice binds the latches to pit so the PPI 0x61/0x62 speaker
// and status-mux bits can mirror the PIT's channel-2 OUT2 line.
func NewPlatformDevice(pit *PITDevice) *PlatformDevice {
	return &PlatformDevice{pit: pit}
}

func (p *PlatformDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case NMI_MASK_PORT:
		if direction == IODirectionOut && len(data) > 0 {
			p.nmiMask = data[0] & 0x80
		} else if direction == IODirectionIn && len(data) > 0 {
			data[0] = p.nmiMask
		}

	case PPI_PORT_61:
		if direction == IODirectionOut && len(data) > 0 {
			p.ppi61 = data[0]
			if p.pit != nil {
				p.pit.SetGate2(data[0]&0x01 != 0)
			}
		} else if direction == IODirectionIn && len(data) > 0 {
			v := p.ppi61
			if p.out2() {
				v |= 0x20
			} else {
				v &^= 0x20
			}
			data[0] = v
		}

	case PPI_PORT_62:
		if direction == IODirectionIn && len(data) > 0 {
			data[0] = p.readPPI62()
		}
		// DIP switches: writes have no effect on real hardware

	case PPI_PORT_63:
		if direction == IODirectionOut && len(data) > 0 {
			p.ppi63 = data[0]
		} else if direction == IODirectionIn && len(data) > 0 {
			data[0] = p.ppi63
		}

	case POST_PORT:
		if direction == IODirectionOut && len(data) > 0 {
			log.Printf("POST code: 0x%02x", data[0])
		} else if direction == IODirectionIn && len(data) > 0 {
			data[0] = 0
		}

	case CGA_MODE_PORT:
		if direction == IODirectionOut && len(data) > 0 {
			p.cgaMode = data[0]
		} else if direction == IODirectionIn && len(data) > 0 {
			data[0] = p.cgaMode
		}

	case CGA_MODE_PORT_MONO:
		if direction == IODirectionOut && len(data) > 0 {
			p.cgaModeMono = data[0]
		} else if direction == IODirectionIn && len(data) > 0 {
			data[0] = p.cgaModeMono
		}

	case CGA_STATUS_PORT:
		if direction == IODirectionIn && len(data) > 0 {
			p.cgaStatus ^= 0x08 // toggle vertical-retrace bit on every poll
			data[0] = p.cgaStatus | 0x01
		}
	}
	return nil
}

func (p *PlatformDevice) out2() bool {
	if p.pit == nil {
		return true
	}
	return p.pit.Out2()
}

// readPPI62 returns the DIP-switch nibble selected by bits 2:3 of port
// 0x61, with bit 5 mirroring channel 2's OUT2 when bit 1 of 0x61 is set,
// matching the PC/XT's PPI wiring of the configuration switch bank.
func (p *PlatformDevice) readPPI62() byte {
	selector := (p.ppi61 >> 2) & 0x3
	var v byte
	switch selector {
	case 0:
		v = 0x0D // 640K system RAM, low nibble of the switch bank
	case 1:
		v = 0x00 // high nibble of the switch bank
	default:
		v = 0x21 // one floppy drive present, 80x25 color adapter
	}
	if p.ppi61&0x02 != 0 {
		if p.out2() {
			v |= 0x20
		} else {
			v &^= 0x20
		}
	}
	return v
}
