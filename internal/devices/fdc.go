package devices

import "sync"

// fdcState is the NEC 765 command/parameter/result phase.
type fdcState int

const (
	fdcStateCommand fdcState = iota
	fdcStateParams
	fdcStateResult
)

const (
	FDC_PORT_DOR  uint16 = 0x3F2
	FDC_PORT_MSR  uint16 = 0x3F4
	FDC_PORT_DATA uint16 = 0x3F5
	FDC_PORT_DIR  uint16 = 0x3F7

	fdcIRQLine = 6

	// fdcDMAChannel and fdcPageIndex are the hard-wired DMA channel and
	// page-register index every READ DATA transfer uses. Real hardware
	// lets the DOR select a channel; this platform only ever observed the
	// BIOS use channel 2 with page index 1, so that pairing is fixed.
	fdcDMAChannel = 2
	fdcPageIndex  = 1
)

var fdcParamCounts = map[byte]int{
	0x03: 2, // SPECIFY
	0x04: 1, // SENSE DRIVE STATUS
	0x07: 1, // RECALIBRATE
	0x08: 0, // SENSE INTERRUPT STATUS
	0x0F: 2, // SEEK
	0x06: 8, // READ DATA
}

// FDCDevice is a minimal NEC 765-compatible floppy controller: enough
// command/result/DMA-transfer behavior for a PC/XT BIOS to probe drive 0
// and load sectors from it.
type FDCDevice struct {
	mu sync.Mutex

	mem []byte
	dma *DMADevice
	irq InterruptRaiser

	state         fdcState
	cmd           byte
	params        [8]byte
	paramCount    int
	paramExpected int
	result        [7]byte
	resultLen     int
	resultPos     int

	track      [4]byte
	dor        byte
	msr        byte
	st0IRQ     byte
	pcnIRQ     byte
	irqPending bool

	disk            []byte
	heads           int
	sectorsPerTrack int
	tracks          int
	sectorSize      int
}

// NewFDCDevice builds a controller bound to the given guest memory and DMA
// controller, with geometry inferred from the loaded image's size. A nil
// or empty image leaves a drive-not-present controller (1.44M defaults,
// but every READ DATA will simply be out of range).
func NewFDCDevice(mem []byte, dma *DMADevice, irq InterruptRaiser, image []byte) *FDCDevice {
	f := &FDCDevice{
		mem: mem,
		dma: dma,
		irq: irq,
		msr: 0x80,
	}
	f.LoadImage(image)
	return f
}

// LoadImage swaps in a new disk image, re-inferring geometry from its size
// the same way NewFDCDevice does. Lets a floppy be attached after the
// controller is already wired to the I/O bus.
func (f *FDCDevice) LoadImage(image []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.disk = image
	f.sectorSize = 512
	f.heads, f.sectorsPerTrack, f.tracks = 2, 18, 80 // 1.44M defaults
	switch len(image) {
	case 184320: // 180K 5.25" SS
		f.heads, f.sectorsPerTrack, f.tracks = 1, 9, 40
	case 368640: // 360K 5.25" DS
		f.heads, f.sectorsPerTrack, f.tracks = 2, 9, 40
	case 737280: // 720K 3.5" DS
		f.heads, f.sectorsPerTrack, f.tracks = 2, 9, 80
	case 1228800: // 1.2M 5.25"
		f.heads, f.sectorsPerTrack, f.tracks = 2, 15, 80
	case 1474560: // 1.44M 3.5"
		f.heads, f.sectorsPerTrack, f.tracks = 2, 18, 80
	default:
		// keep the 1.44M defaults above
	}
}

func (f *FDCDevice) raiseIRQ() {
	f.irqPending = true
	if f.irq != nil {
		f.irq.RaiseIRQ(fdcIRQLine)
	}
}

func (f *FDCDevice) lowerIRQ() {
	if f.irqPending {
		if f.irq != nil {
			f.irq.LowerIRQ(fdcIRQLine)
		}
		f.irqPending = false
	}
}

func (f *FDCDevice) setResult(buf []byte) {
	copy(f.result[:], buf)
	f.resultLen = len(buf)
	f.resultPos = 0
	f.state = fdcStateResult
	f.msr = 0xD0
}

func (f *FDCDevice) finishCommand() {
	f.state = fdcStateCommand
	f.msr = 0x80
	f.paramCount = 0
	f.paramExpected = 0
}

func (f *FDCDevice) execCommand() {
	switch f.cmd & 0x1F {
	case 0x03: // SPECIFY
		f.finishCommand()
	case 0x07: // RECALIBRATE
		drive := f.params[0] & 3
		f.track[drive] = 0
		f.st0IRQ = 0x20 | drive
		f.pcnIRQ = 0
		f.raiseIRQ()
		f.finishCommand()
	case 0x04: // SENSE DRIVE STATUS
		drive := f.params[0] & 3
		st3 := 0x20 | drive
		if f.track[drive] == 0 {
			st3 |= 0x10
		}
		f.setResult([]byte{st3})
	case 0x0F: // SEEK
		drive := f.params[0] & 3
		cyl := f.params[1]
		f.track[drive] = cyl
		f.st0IRQ = 0x20 | drive
		f.pcnIRQ = cyl
		f.raiseIRQ()
		f.finishCommand()
	case 0x08: // SENSE INTERRUPT STATUS
		f.setResult([]byte{f.st0IRQ, f.pcnIRQ})
		f.lowerIRQ()
	case 0x06: // READ DATA
		drive := f.params[0] & 3
		head := f.params[2] & 1
		track := f.params[1]
		sector := f.params[3]
		sizeCode := f.params[4]
		sz := 128 << sizeCode
		offset := (int(track)*f.heads+int(head))*f.sectorsPerTrack + int(sector) - 1
		offset *= f.sectorSize

		var st0, st1, st2 byte
		phys := f.dma.PhysicalAddress(fdcDMAChannel, fdcPageIndex)
		if offset >= 0 && offset+sz <= len(f.disk) && int(phys)+sz <= len(f.mem) {
			copy(f.mem[phys:int(phys)+sz], f.disk[offset:offset+sz])
			st0 = drive
		} else {
			st0 = drive | 0x40
			st1 = 0x20
		}
		f.setResult([]byte{st0, st1, st2, track, head, sector, sizeCode})
		f.raiseIRQ()
	default:
		f.finishCommand()
	}
}

func (f *FDCDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch port {
	case FDC_PORT_DOR:
		if direction == IODirectionIn {
			if len(data) > 0 {
				data[0] = f.dor
			}
			return nil
		}
		if len(data) == 0 {
			return nil
		}
		old := f.dor
		f.dor = data[0]
		switch {
		case f.dor&0x04 == 0: // reset asserted (active low)
			f.st0IRQ = 0xC0
			f.pcnIRQ = 0
			f.lowerIRQ()
			f.finishCommand()
		case old&0x04 == 0 && f.dor&0x04 != 0: // reset released
			f.st0IRQ = 0xC0
			f.pcnIRQ = 0
			f.raiseIRQ()
			f.finishCommand()
		}
	case FDC_PORT_MSR:
		if direction == IODirectionIn && len(data) > 0 {
			data[0] = f.msr
		}
	case FDC_PORT_DATA:
		if direction == IODirectionIn {
			if len(data) == 0 {
				return nil
			}
			if f.state == fdcStateResult && f.resultPos < f.resultLen {
				v := f.result[f.resultPos]
				f.resultPos++
				if f.resultPos >= f.resultLen {
					f.finishCommand()
				}
				data[0] = v
			} else {
				data[0] = 0
			}
			return nil
		}
		if len(data) == 0 {
			return nil
		}
		val := data[0]
		switch f.state {
		case fdcStateCommand:
			f.cmd = val
			f.paramCount = 0
			if n, ok := fdcParamCounts[val&0x1F]; ok {
				f.paramExpected = n
				if n == 0 {
					f.execCommand()
				} else {
					f.state = fdcStateParams
					f.msr = 0x90
				}
			} else {
				f.finishCommand()
			}
		case fdcStateParams:
			if f.paramCount < len(f.params) {
				f.params[f.paramCount] = val
				f.paramCount++
			}
			if f.paramCount >= f.paramExpected {
				f.execCommand()
			}
		}
	case FDC_PORT_DIR:
		if direction == IODirectionIn && len(data) > 0 {
			data[0] = 0 // disk-change line not modeled
		}
	}
	return nil
}
