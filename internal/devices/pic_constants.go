package devices

// 8259A PIC I/O port addresses.
const (
	PIC_MASTER_CMD_PORT  uint16 = 0x20
	PIC_MASTER_DATA_PORT uint16 = 0x21
	PIC_SLAVE_CMD_PORT   uint16 = 0xA0
	PIC_SLAVE_DATA_PORT  uint16 = 0xA1
)

// System IRQ lines as seen by RaiseIRQ/LowerIRQ (0-15, slave lines offset by 8).
const (
	PIT_IRQ              uint8 = 0
	KEYBOARD_IRQ          uint8 = 1
	PIC_MASTER_SLAVE_IRQ  uint8 = 2 // master line carrying the slave's cascade
	SERIAL_IRQ            uint8 = 4
	FLOPPY_IRQ            uint8 = 6
	RTC_IRQ               uint8 = 8
)

// ICW1 bits.
const (
	PIC_ICW1_IC4  byte = 0x01 // ICW4 will follow
	PIC_ICW1_SNGL byte = 0x02 // single (not cascaded)
	PIC_ICW1_ADI  byte = 0x04
	PIC_ICW1_LTIM byte = 0x08 // level (1) vs edge (0) triggered
	PIC_ICW1_INIT byte = 0x10
)

// ICW4 bits.
const (
	PIC_ICW4_UPM  byte = 0x01
	PIC_ICW4_AEOI byte = 0x02
	PIC_ICW4_MS   byte = 0x04
	PIC_ICW4_BUF  byte = 0x08
	PIC_ICW4_SFNM byte = 0x10
)

// OCW2 bits (EOI family).
const (
	PIC_OCW2_LEVEL_MASK       byte = 0x07
	PIC_OCW2_NON_SPECIFIC_EOI byte = 0x20
	PIC_OCW2_SPECIFIC_EOI     byte = 0x60
	PIC_OCW2_ROTATE_NON_SPEC  byte = 0xA0
	PIC_OCW2_ROTATE_SPEC      byte = 0xE0
	PIC_OCW2_CMD_MASK         byte = 0xE0
)

// OCW3 bits.
const (
	PIC_OCW3_RIS_CMD  byte = 0x01 // 1 = select ISR, 0 = select IRR
	PIC_OCW3_RR_CMD   byte = 0x02 // read-register-select is being set
	PIC_OCW3_POLL_CMD byte = 0x04
	PIC_OCW3_ESMM_CMD byte = 0x20
	PIC_OCW3_SMM_CMD  byte = 0x40
)

// PIT control-word read/write-mode field (bits 5:4 of port 0x43).
const (
	PIT_RW_LATCH byte = 0x00
	PIT_RW_LSB   byte = 0x01
	PIT_RW_MSB   byte = 0x02
	PIT_RW_LOHI  byte = 0x03
)

// PIT ports.
const (
	PIT_PORT_COUNTER0 uint16 = 0x40
	PIT_PORT_COUNTER1 uint16 = 0x41
	PIT_PORT_COUNTER2 uint16 = 0x42
	PIT_PORT_COMMAND  uint16 = 0x43
)
