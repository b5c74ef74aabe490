package vm

import (
	"encoding/binary"
	"fmt"
	"log"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/codex-vm/pcxt-hv/internal/hypervisor"
)

// biosEntryRIP is where a PC/XT-class BIOS's reset vector lands a real-mode
// vCPU: offset 0xFFF0 within the F000 segment.
const biosEntryRIP = 0xFFF0

// VCPU wraps one KVM virtual processor: its fd, the mmap'd kvm_run page,
// and the parent machine it dispatches exits through.
type VCPU struct {
	id  int
	fd  int
	vm  *VirtualMachine
	run *hypervisor.KvmRun

	runMem []byte
}

// NewVCPU creates vCPU id, mmaps its kvm_run page, and resets it into real
// mode at the BIOS entry point the way the platform's firmware expects.
func NewVCPU(vm *VirtualMachine, id int) (*VCPU, error) {
	vcpuFD, err := hypervisor.DoKVMCreateVCPU(vm.vmFD)
	if err != nil {
		return nil, fmt.Errorf("failed to create vCPU %d: %w", id, err)
	}

	mmapSize, err := hypervisor.DoKVMGetVCPUMmapSize(vm.kvmFD)
	if err != nil {
		unix.Close(vcpuFD)
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE failed for vCPU %d: %w", id, err)
	}
	if mmapSize == 0 {
		unix.Close(vcpuFD)
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE returned 0 for vCPU %d", id)
	}

	runMem, err := unix.Mmap(vcpuFD, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(vcpuFD)
		return nil, fmt.Errorf("failed to mmap kvm_run for vCPU %d: %w", id, err)
	}

	vcpu := &VCPU{
		id:     id,
		fd:     vcpuFD,
		vm:     vm,
		run:    (*hypervisor.KvmRun)(unsafe.Pointer(&runMem[0])),
		runMem: runMem,
	}

	if err := vcpu.resetRealMode(); err != nil {
		vcpu.Close()
		return nil, fmt.Errorf("failed to reset vCPU %d into real mode: %w", id, err)
	}
	if vm.Debug {
		log.Printf("vcpu %d: created, kvm_run mmap size %d bytes", id, mmapSize)
	}
	return vcpu, nil
}

// resetRealMode places the vCPU exactly where a PC/XT reset leaves it: CS
// based at the top of the BIOS segment with RIP at the conventional entry
// point, flat real-mode data segments, and PE clear in CR0.
func (vcpu *VCPU) resetRealMode() error {
	sregs, err := hypervisor.DoKVMGetSregs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_SREGS: %w", err)
	}

	sregs.CS = hypervisor.KvmSegment{Base: 0xF0000, Limit: 0xFFFF, Selector: 0xF000, Type: 11, Present: 1, S: 1}
	flatData := hypervisor.KvmSegment{Base: 0, Limit: 0xFFFF, Selector: 0, Type: 3, Present: 1, S: 1}
	sregs.DS, sregs.ES, sregs.SS, sregs.FS, sregs.GS = flatData, flatData, flatData, flatData, flatData
	sregs.CR0 &^= 1 // PE = 0: real mode

	if err := hypervisor.DoKVMSetSregs(vcpu.fd, sregs); err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}

	regs := &hypervisor.KvmRegs{RIP: biosEntryRIP, RFLAGS: 0x2}
	if err := hypervisor.DoKVMSetRegs(vcpu.fd, regs); err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w", err)
	}
	if vcpu.vm.Debug {
		log.Printf("vcpu %d: reset to real mode, CS=%04x:%04x RIP=0x%x", vcpu.id, sregs.CS.Selector, sregs.CS.Base, regs.RIP)
	}
	return nil
}

func (vcpu *VCPU) ioDirection() uint8  { return vcpu.runMem[hypervisor.KvmRunIODirectionOff] }
func (vcpu *VCPU) ioSize() uint8       { return vcpu.runMem[hypervisor.KvmRunIOSizeOff] }
func (vcpu *VCPU) ioPort() uint16 {
	return binary.LittleEndian.Uint16(vcpu.runMem[hypervisor.KvmRunIOPortOff:])
}
func (vcpu *VCPU) ioCount() uint32 {
	return binary.LittleEndian.Uint32(vcpu.runMem[hypervisor.KvmRunIOCountOff:])
}
func (vcpu *VCPU) ioDataOffset() uint64 {
	return binary.LittleEndian.Uint64(vcpu.runMem[hypervisor.KvmRunIODataOffsetOff:])
}

// dispatchIO handles one KVM_EXIT_IO: hand the access to the machine's port
// dispatcher, which routes it through the I/O bus, performs the
// width-correct RAX merge and records the result back into the guest's
// registers. KVM retires the IN/OUT instruction itself
// before reporting the exit, so RIP is already correct on return; unlike
// Windows Hypervisor Platform, nothing here needs to advance it.
func (vcpu *VCPU) dispatchIO() error {
	size := vcpu.ioSize()
	dataOff := vcpu.ioDataOffset()
	if dataOff+uint64(size) > uint64(len(vcpu.runMem)) {
		return fmt.Errorf("vcpu %d: KVM_EXIT_IO data offset 0x%x out of range", vcpu.id, dataOff)
	}
	data := vcpu.runMem[dataOff : dataOff+uint64(size)]
	direction := vcpu.ioDirection()
	port := vcpu.ioPort()

	return vcpu.vm.dispatchPortIO(vcpu, port, direction, size, data)
}

// Run is the vCPU's cooperative exit-service loop: resume, dispatch fully,
// then unconditionally tick the PIT and attempt PIC injection, exactly as
// the platform's single run loop does.
func (vcpu *VCPU) Run() error {
	if vcpu.vm.Debug {
		log.Printf("vcpu %d: entering run loop", vcpu.id)
	}
	for {
		select {
		case <-vcpu.vm.stopChan:
			return nil
		default:
		}

		if vcpu.vm.pic.HasPendingInterrupts() {
			vcpu.run.RequestInterruptWindow = 1
		}

		if err := hypervisor.DoKVMRun(vcpu.fd); err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("vcpu %d: KVM_RUN failed: %w", vcpu.id, err)
		}

		switch vcpu.run.ExitReason {
		case hypervisor.KVM_EXIT_IO:
			if err := vcpu.dispatchIO(); err != nil {
				return err
			}
			vcpu.vm.tickAndInjectLocked(vcpu)

		case hypervisor.KVM_EXIT_HLT:
			runtime.Gosched()
			vcpu.vm.tickAndInjectLocked(vcpu)

		case hypervisor.KVM_EXIT_IRQ_WINDOW_OPEN:
			vcpu.vm.tryInject(vcpu)

		case hypervisor.KVM_EXIT_SHUTDOWN:
			return fmt.Errorf("vcpu %d: guest triple fault (KVM_EXIT_SHUTDOWN)", vcpu.id)

		default:
			return fmt.Errorf("vcpu %d: unhandled KVM exit reason %d", vcpu.id, vcpu.run.ExitReason)
		}
	}
}

// Close unmaps kvm_run and closes the vCPU fd.
func (vcpu *VCPU) Close() {
	if vcpu.runMem != nil {
		unix.Munmap(vcpu.runMem)
		vcpu.runMem = nil
		vcpu.run = nil
	}
	if vcpu.fd != 0 {
		unix.Close(vcpu.fd)
		vcpu.fd = 0
	}
}

// InjectInterrupt delivers an already-acknowledged vector to this vCPU.
func (vcpu *VCPU) InjectInterrupt(vector uint8) error {
	if err := hypervisor.DoKVMInjectInterrupt(vcpu.fd, uint32(vector)); err != nil {
		return fmt.Errorf("vcpu %d: KVM_INTERRUPT vector 0x%x: %w", vcpu.id, vector, err)
	}
	return nil
}

// ReadyForInjection reports whether KVM says this vCPU can currently accept
// an interrupt (IF set and not shadowed by a sti/mov-ss window).
func (vcpu *VCPU) ReadyForInjection() bool {
	return vcpu.run.ReadyForInterruptInjection != 0
}
