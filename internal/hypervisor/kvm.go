// Package hypervisor wraps the /dev/kvm ioctl surface this platform model
// needs: VM and vCPU creation, guest memory slot registration, register
// access, and interrupt injection.
package hypervisor

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl request codes, as assigned by linux/kvm.h.
const (
	KVM_CREATE_VM              = 0xae01
	KVM_GET_VCPU_MMAP_SIZE     = 0xae04
	KVM_CREATE_VCPU            = 0xae41
	KVM_SET_USER_MEMORY_REGION = 0x4020ae46
	KVM_RUN                    = 0xae80
	KVM_GET_REGS               = 0x8090ae81
	KVM_SET_REGS               = 0x4090ae82
	KVM_GET_SREGS              = 0x8138ae83
	KVM_SET_SREGS              = 0x4138ae84
	KVM_INTERRUPT              = 0x4004ae86

	// KVM exit reasons this model dispatches on.
	KVM_EXIT_UNKNOWN        = 0
	KVM_EXIT_IO             = 2
	KVM_EXIT_HLT            = 5
	KVM_EXIT_SHUTDOWN       = 8
	KVM_EXIT_IRQ_WINDOW_OPEN = 7
	KVM_EXIT_FAIL_ENTRY     = 9
)

// KvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type KvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// KvmRegs mirrors struct kvm_regs.
type KvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// KvmSegment mirrors struct kvm_segment.
type KvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	_        [2]uint8
}

// KvmSregs mirrors struct kvm_sregs, used to place the vCPU in real mode at
// reset.
type KvmSregs struct {
	CS, DS, ES, FS, GS, SS KvmSegment
	TR, LDT                KvmSegment
	GDT, IDT               [2]uint64 // base, limit packed as {base, limit}
	CR0, CR2, CR3, CR4     uint64
	CR8, EFER              uint64
	ApicBase               uint64
	InterruptBitmap        [4]uint64
}

// KvmRun mirrors the first 16 bytes of struct kvm_run's fixed header; the IO union
// member is read directly out of the mmap'd region by the caller using the
// offsets below instead of a nested Go struct, since the union also
// contains the run's trailing variable-length data buffer.
type KvmRun struct {
	RequestInterruptWindow uint8
	_                      [7]uint8
	ExitReason             uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
}

// Layout of struct kvm_run's `io` union member, relative to the start of
// the mmap'd page. Matches the ABI linux/kvm.h defines.
const (
	KvmRunIOOffset        = 32
	KvmRunIODirectionOff  = KvmRunIOOffset + 0
	KvmRunIOSizeOff       = KvmRunIOOffset + 1
	KvmRunIOPortOff       = KvmRunIOOffset + 2
	KvmRunIOCountOff      = KvmRunIOOffset + 4
	KvmRunIODataOffsetOff = KvmRunIOOffset + 8
)

// KvmInterrupt mirrors struct kvm_interrupt, used with KVM_INTERRUPT to
// inject an already-vectored interrupt (i.e. this model never needs the
// guest's IDT walked in userspace: the vector comes straight from the PIC).
type KvmInterrupt struct {
	Irq uint32
}

func ioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// DoKVMCreateVM opens a new VM instance backed by the /dev/kvm fd.
func DoKVMCreateVM(kvmFD int) (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(kvmFD), KVM_CREATE_VM, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(fd), nil
}

// DoKVMGetVCPUMmapSize returns the size userspace must mmap over a vCPU fd
// to reach its struct kvm_run.
func DoKVMGetVCPUMmapSize(kvmFD int) (int, error) {
	size, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(kvmFD), KVM_GET_VCPU_MMAP_SIZE, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(size), nil
}

// DoKVMCreateVCPU creates vCPU 0, the only vCPU this single-core model runs.
func DoKVMCreateVCPU(vmFD int) (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFD), KVM_CREATE_VCPU, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(fd), nil
}

// DoKVMSetUserMemoryRegion maps a userspace-backed slot of guest physical
// memory (this model uses a single slot covering the whole 1 MiB address
// space).
func DoKVMSetUserMemoryRegion(vmFD int, slot uint32, guestPhysAddr uint64, memorySize uint64, userspaceAddr uintptr) error {
	region := KvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    memorySize,
		UserspaceAddr: uint64(userspaceAddr),
	}
	return ioctl(vmFD, KVM_SET_USER_MEMORY_REGION, uintptr(unsafe.Pointer(&region)))
}

func DoKVMGetRegs(vcpuFD int) (*KvmRegs, error) {
	var regs KvmRegs
	if err := ioctl(vcpuFD, KVM_GET_REGS, uintptr(unsafe.Pointer(&regs))); err != nil {
		return nil, err
	}
	return &regs, nil
}

func DoKVMSetRegs(vcpuFD int, regs *KvmRegs) error {
	return ioctl(vcpuFD, KVM_SET_REGS, uintptr(unsafe.Pointer(regs)))
}

func DoKVMGetSregs(vcpuFD int) (*KvmSregs, error) {
	var sregs KvmSregs
	if err := ioctl(vcpuFD, KVM_GET_SREGS, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return nil, err
	}
	return &sregs, nil
}

func DoKVMSetSregs(vcpuFD int, sregs *KvmSregs) error {
	return ioctl(vcpuFD, KVM_SET_SREGS, uintptr(unsafe.Pointer(sregs)))
}

// DoKVMRun re-enters guest execution until the next exit.
func DoKVMRun(vcpuFD int) error {
	return ioctl(vcpuFD, KVM_RUN, 0)
}

// DoKVMInjectInterrupt injects an already-acknowledged interrupt vector.
// Callers must only call this when KVM reports the vCPU is ready to accept
// one (KvmRun.ReadyForInterruptInjection), matching real APIC/PIC delivery
// semantics.
func DoKVMInjectInterrupt(vcpuFD int, vector uint32) error {
	irq := KvmInterrupt{Irq: vector}
	return ioctl(vcpuFD, KVM_INTERRUPT, uintptr(unsafe.Pointer(&irq)))
}
