package vm

import (
	"fmt"
	"log"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/codex-vm/pcxt-hv/internal/devices"
	"github.com/codex-vm/pcxt-hv/internal/hypervisor"
)

// GPALimit is the fixed guest physical memory size this platform model
// runs with: 1 MiB, matching an unextended PC/XT address space.
const GPALimit = 0x00100000

// biosLoadAddr and biosWindowSize are where a BIOS image lands and how
// much of the top of memory it occupies, mirrored if the image is shorter.
const (
	biosLoadAddr   = 0xF0000
	biosWindowSize = 0x10000
)

// resetVectorAddr is the well-known location of the reset far jump a
// PC/XT CPU fetches at power-on; a BIOS image not carrying the expected
// `EA xx xx xx F0` encoding gets it patched in, with a logged warning.
const resetVectorAddr = 0xFFFF0

// programLoadAddr is where a non-BIOS program image is placed: linear
// 0x10100, i.e. segment 0x1000 offset 0x0100.
const programLoadAddr = 0x10100

// wrapAliasSize is the span mirrored at GPALimit to reproduce the 8088's
// lack of an A20 gate: code that computes a segment:offset past 0xFFFF0
// wraps into the bottom of the same 1 MiB space instead of faulting.
const wrapAliasSize = 0xFFF0

// VirtualMachine owns the KVM instance, the guest memory it backs, the
// single vCPU that executes the BIOS, and the fixed PC/XT device set that
// services every port I/O exit.
type VirtualMachine struct {
	vmFD        int
	kvmFD       int
	guestMemory []byte
	vcpus       []*VCPU

	ioBus    *devices.TracingIOBus
	pic      *devices.PICDevice
	pit      *devices.PITDevice
	dma      *devices.DMADevice
	fdc      *devices.FDCDevice
	platform *devices.PlatformDevice

	MemorySize uint64
	NumVCPUs   int

	stopChan     chan struct{}
	vcpusRunning chan struct{}

	Debug bool
}

// NewVirtualMachine opens /dev/kvm, creates a VM and its single vCPU,
// allocates and registers guest memory, and wires the fixed PIC/PIT/DMA/
// FDC/platform-latch device set onto the I/O bus. memSize defaults to
// GPALimit when zero; this model only ever runs one vCPU.
func NewVirtualMachine(memSize uint64, enableDebug bool) (*VirtualMachine, error) {
	if memSize == 0 {
		memSize = GPALimit
	}

	kvmFD, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/kvm: %w", err)
	}

	vmFD, err := hypervisor.DoKVMCreateVM(kvmFD)
	if err != nil {
		unix.Close(kvmFD)
		return nil, fmt.Errorf("failed to create KVM VM: %w", err)
	}

	guestMem, err := unix.Mmap(-1, 0, int(memSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("failed to mmap guest memory: %w", err)
	}

	if err := hypervisor.DoKVMSetUserMemoryRegion(vmFD, 0, 0, memSize, uintptr(unsafe.Pointer(&guestMem[0]))); err != nil {
		unix.Munmap(guestMem)
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("failed to set guest memory region: %w", err)
	}

	// Mirror the bottom of memory just past the top, modeling the 8088's
	// real-mode address wraparound (no A20 gate) for segment:offset pairs
	// that walk off the end of the 1 MiB space.
	if memSize == GPALimit {
		if err := hypervisor.DoKVMSetUserMemoryRegion(vmFD, 1, GPALimit, wrapAliasSize, uintptr(unsafe.Pointer(&guestMem[0]))); err != nil {
			log.Printf("VirtualMachine: failed to map A20 wraparound alias slot: %v", err)
		}
	}

	vm := &VirtualMachine{
		vmFD:         vmFD,
		kvmFD:        kvmFD,
		guestMemory:  guestMem,
		MemorySize:   memSize,
		NumVCPUs:     1,
		stopChan:     make(chan struct{}),
		vcpusRunning: make(chan struct{}, 1),
		Debug:        enableDebug,
	}
	vm.wireDevices()

	vcpu, err := NewVCPU(vm, 0)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("failed to create vCPU 0: %w", err)
	}
	vm.vcpus = append(vm.vcpus, vcpu)

	if enableDebug {
		log.Println("VirtualMachine: KVM VM and vCPU created, devices wired.")
	}
	return vm, nil
}

// wireDevices builds the fixed PC/XT device set and registers each
// device's ports on the I/O bus. Port 0x80 is claimed by the POST code
// latch rather than DMA page register 0: real hardware happens to let
// both coexist (a POST write IS a page-register-0 write), but this model
// keeps C6's platform-latch semantics (write logged, read zero) exactly as
// spec'd and simply never exposes DMA page register index 0 on the bus,
// since no in-scope transfer ever uses it.
func (vm *VirtualMachine) wireDevices() {
	bus := devices.NewIOBus()
	vm.ioBus = devices.NewTracingIOBus(bus)
	vm.ioBus.Enabled = vm.Debug

	vm.pic = devices.NewPICDevice()
	vm.pit = devices.NewPITDevice(nil, vm.pic)
	vm.dma = devices.NewDMADevice()
	vm.fdc = devices.NewFDCDevice(vm.guestMemory, vm.dma, vm.pic, nil)
	vm.platform = devices.NewPlatformDevice(vm.pit)

	bus.RegisterDevice(0x00, 0x0F, vm.dma)
	bus.RegisterDevice(0x81, 0x8F, vm.dma)

	bus.RegisterDevice(devices.PIC_MASTER_CMD_PORT, devices.PIC_MASTER_DATA_PORT, vm.pic)
	bus.RegisterDevice(devices.PIC_SLAVE_CMD_PORT, devices.PIC_SLAVE_DATA_PORT, vm.pic)

	bus.RegisterDevice(devices.PIT_PORT_COUNTER0, devices.PIT_PORT_COMMAND, vm.pit)

	bus.RegisterDevice(devices.FDC_PORT_DOR, devices.FDC_PORT_DOR, vm.fdc)
	bus.RegisterDevice(devices.FDC_PORT_MSR, devices.FDC_PORT_MSR, vm.fdc)
	bus.RegisterDevice(devices.FDC_PORT_DATA, devices.FDC_PORT_DATA, vm.fdc)
	bus.RegisterDevice(devices.FDC_PORT_DIR, devices.FDC_PORT_DIR, vm.fdc)

	bus.RegisterDevice(devices.NMI_MASK_PORT, devices.NMI_MASK_PORT, vm.platform)
	log.Printf("VirtualMachine: NMI mask latch is at port 0x%x; ports 0xA0/0xA1 belong to the slave PIC", devices.NMI_MASK_PORT)
	bus.RegisterDevice(devices.PPI_PORT_61, devices.PPI_PORT_63, vm.platform)
	bus.RegisterDevice(devices.POST_PORT, devices.POST_PORT, vm.platform)
	bus.RegisterDevice(devices.CGA_MODE_PORT_MONO, devices.CGA_MODE_PORT_MONO, vm.platform)
	bus.RegisterDevice(devices.CGA_MODE_PORT, devices.CGA_MODE_PORT, vm.platform)
	bus.RegisterDevice(devices.CGA_STATUS_PORT, devices.CGA_STATUS_PORT, vm.platform)
}

// LoadBIOS reads a raw BIOS image from path and places it at the top of
// the address space, mirrored across the 64 KiB window if shorter, then
// checks the reset vector at 0xFFFF0 and patches it if it doesn't decode
// as the expected far jump into this image.
func (vm *VirtualMachine) LoadBIOS(path string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read BIOS image %q: %w", path, err)
	}
	if len(image) == 0 {
		return fmt.Errorf("BIOS image %q is empty", path)
	}
	if len(image) > biosWindowSize {
		return fmt.Errorf("BIOS image %q is %d bytes, exceeds the %d byte window", path, len(image), biosWindowSize)
	}
	for off := 0; off < biosWindowSize; off += len(image) {
		n := len(image)
		if off+n > biosWindowSize {
			n = biosWindowSize - off
		}
		copy(vm.guestMemory[biosLoadAddr+off:], image[:n])
	}
	if vm.Debug {
		log.Printf("VirtualMachine: loaded %d bytes from %s at 0x%x (mirrored across 0x%x bytes)", len(image), path, biosLoadAddr, biosWindowSize)
	}

	rv := vm.guestMemory[resetVectorAddr : resetVectorAddr+5]
	if rv[0] == 0xEA && rv[4] == 0xF0 {
		log.Printf("VirtualMachine: BIOS reset vector jumps to %02X%02X:%02X%02X", rv[4], rv[3], rv[2], rv[1])
	} else {
		log.Printf("VirtualMachine: reset vector at 0x%x is not a far jump into segment 0xF0xx (bytes %02X .. %02X); patching to EA 00 00 00 F0", resetVectorAddr, rv[0], rv[4])
		rv[0], rv[1], rv[2], rv[3], rv[4] = 0xEA, 0x00, 0x00, 0x00, 0xF0
	}
	if vm.Debug {
		log.Printf("VirtualMachine: reset vector bytes: %02X %02X %02X %02X %02X", rv[0], rv[1], rv[2], rv[3], rv[4])
	}
	return nil
}

// LoadProgram reads a raw binary from path and places it at 0x10100, the
// conventional load address for a non-BIOS program image.
func (vm *VirtualMachine) LoadProgram(path string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read program image %q: %w", path, err)
	}
	if uint64(programLoadAddr+len(image)) > vm.MemorySize {
		return fmt.Errorf("program image %q (%d bytes) does not fit at 0x%x in %d bytes of guest memory", path, len(image), programLoadAddr, vm.MemorySize)
	}
	copy(vm.guestMemory[programLoadAddr:], image)
	if vm.Debug {
		log.Printf("VirtualMachine: loaded %d bytes from %s at 0x%x", len(image), path, programLoadAddr)
	}
	return nil
}

// LoadFloppy reads a raw sector image from path and attaches it to the
// floppy disk controller, inferring geometry from the image size.
func (vm *VirtualMachine) LoadFloppy(path string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read floppy image %q: %w", path, err)
	}
	vm.fdc.LoadImage(image)
	if vm.Debug {
		log.Printf("VirtualMachine: attached floppy image %s (%d bytes)", path, len(image))
	}
	return nil
}

// dispatchPortIO routes one port access through the I/O bus and, for
// reads, merges the device's response into vcpu's RAX preserving every
// bit above the accessed width: AL merges into bits 7:0, AX into 15:0,
// EAX into 31:0. KVM exposes the vCPU's full 64-bit RAX on every exit
// (unlike Windows Hypervisor Platform, which already merges per-access
// width before userspace sees it), so this model must do the merge
// itself rather than trust whatever was already in the register.
func (vm *VirtualMachine) dispatchPortIO(vcpu *VCPU, port uint16, direction uint8, size uint8, data []byte) error {
	if direction == devices.IODirectionIn {
		// Devices answer a single byte; clear the rest so a wider read
		// sees that byte zero-extended.
		for i := range data {
			data[i] = 0
		}
	}
	if err := vm.ioBus.HandleIO(port, direction, size, data); err != nil {
		return err
	}
	if direction != devices.IODirectionIn {
		return nil
	}

	regs, err := hypervisor.DoKVMGetRegs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_REGS for RAX merge on port 0x%x: %w", port, err)
	}

	var mask uint64
	if size >= 8 {
		mask = ^uint64(0)
	} else {
		mask = (uint64(1) << (8 * uint(size))) - 1
	}
	var val uint64
	for i := 0; i < int(size) && i < len(data); i++ {
		val |= uint64(data[i]) << (8 * uint(i))
	}
	regs.RAX = (regs.RAX &^ mask) | (val & mask)

	if err := hypervisor.DoKVMSetRegs(vcpu.fd, regs); err != nil {
		return fmt.Errorf("KVM_SET_REGS for RAX merge on port 0x%x: %w", port, err)
	}
	return nil
}

// tickAndInjectLocked advances the PIT by one run-loop iteration and then
// attempts to inject a pending PIC interrupt, in that order: IRQ0 edges
// raised by this tick must be visible to the very next injection attempt.
func (vm *VirtualMachine) tickAndInjectLocked(vcpu *VCPU) {
	vm.pit.Tick(time.Now())
	vm.tryInject(vcpu)
}

// tryInject delivers the PIC's highest-priority pending interrupt to vcpu
// if KVM currently reports it ready to accept one.
func (vm *VirtualMachine) tryInject(vcpu *VCPU) {
	if !vm.pic.HasPendingInterrupts() || !vcpu.ReadyForInjection() {
		return
	}
	vector, ok := vm.pic.GetInterruptVector()
	if !ok {
		return
	}
	if err := vcpu.InjectInterrupt(vector); err != nil {
		log.Printf("VirtualMachine: failed to inject vector 0x%x: %v", vector, err)
	}
}

// Run starts every vCPU's run loop, blocks until they have all exited, and
// returns the first run-loop error any of them reported (nil after Stop).
func (vm *VirtualMachine) Run() error {
	if vm.Debug {
		log.Println("VirtualMachine: starting vCPU run loop(s)")
	}
	errs := make([]error, len(vm.vcpus))
	for i, vcpu := range vm.vcpus {
		go func(i int, v *VCPU) {
			err := v.Run()
			if err != nil {
				log.Printf("vCPU %d exited with error: %v", v.id, err)
			} else if vm.Debug {
				log.Printf("vCPU %d exited normally", v.id)
			}
			errs[i] = err
			vm.vcpusRunning <- struct{}{}
		}(i, vcpu)
	}
	for range vm.vcpus {
		<-vm.vcpusRunning
	}
	if vm.Debug {
		log.Println("VirtualMachine: all vCPUs have exited")
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stop signals every vCPU to leave its run loop at the next iteration.
func (vm *VirtualMachine) Stop() {
	if vm.Debug {
		log.Println("VirtualMachine: sending stop signal")
	}
	close(vm.stopChan)
}

// Close tears down every resource the VM holds: vCPUs, guest memory, and
// the VM and /dev/kvm file descriptors. Safe to call more than once.
func (vm *VirtualMachine) Close() {
	for _, vcpu := range vm.vcpus {
		if vcpu != nil {
			vcpu.Close()
		}
	}
	vm.vcpus = nil
	if vm.guestMemory != nil {
		unix.Munmap(vm.guestMemory)
		vm.guestMemory = nil
	}
	if vm.vmFD != 0 {
		unix.Close(vm.vmFD)
		vm.vmFD = 0
	}
	if vm.kvmFD != 0 {
		unix.Close(vm.kvmFD)
		vm.kvmFD = 0
	}
	if vm.Debug {
		log.Println("VirtualMachine: closed")
	}
}
