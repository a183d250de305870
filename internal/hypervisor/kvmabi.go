// Package hypervisor wraps the raw /dev/kvm ioctl surface: device handle
// acquisition, VM/VCPU creation, register and special-register access, MSR
// and CPUID plumbing, and the kvm_run exit structure.
package hypervisor

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Real Linux KVM ioctl numbers. These are the kernel's public ABI, not
// project-specific constants: _IO/_IOR/_IOW/_IOWR encodings over ioctl type
// 0xae ("KVMIO").
const (
	ioctlGetAPIVersion       = 44544 // _IO(KVMIO, 0x00)
	ioctlCreateVM            = 44545 // _IO(KVMIO, 0x01)
	ioctlGetVCPUMmapSize     = 44548 // _IO(KVMIO, 0x04)
	ioctlCreateVCPU          = 44609 // _IO(KVMIO, 0x41)
	ioctlRun                 = 44672 // _IO(KVMIO, 0x80)
	ioctlGetRegs             = 0x8090ae81
	ioctlSetRegs             = 0x4090ae82
	ioctlGetSregs            = 0x8138ae83
	ioctlSetSregs            = 0x4138ae84
	ioctlSetUserMemoryRegion = 0x4020ae46
	ioctlSetTSSAddr          = 0xae47 // _IO(KVMIO, 0x47), arg is an address
	ioctlGetSupportedCPUID   = 0xc008ae05
	ioctlSetCPUID2           = 0x4008ae90
	ioctlSetMSRs             = 0x4008ae89

	// APIVersion is the kernel API version this module was written
	// against. The hypervisor handle refuses to proceed on a mismatch.
	APIVersion = 12

	numInterrupts = 0x100
)

// KVM exit reasons (struct kvm_run.exit_reason).
const (
	ExitUnknown      uint32 = 0
	ExitException    uint32 = 1
	ExitIO           uint32 = 2
	ExitHypercall    uint32 = 3
	ExitDebug        uint32 = 4
	ExitHLT          uint32 = 5
	ExitMMIO         uint32 = 6
	ExitIRQWindow    uint32 = 7
	ExitShutdown     uint32 = 8
	ExitFailEntry    uint32 = 9
	ExitIntr         uint32 = 10
	ExitInternalErr  uint32 = 17
)

// IO exit directions (struct kvm_run.io.direction).
const (
	ExitIODirIn  = 0
	ExitIODirOut = 1
)

// Regs mirrors struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
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
	Unusable uint8
	_        uint8
}

// DTable mirrors struct kvm_dtable (GDT/IDT pointer pair).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DTable
	CR0                    uint64
	CR2                    uint64
	CR3                    uint64
	CR4                    uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterrupts + 63) / 64]uint64
}

// CR0/CR4/EFER bits used by long-mode bring-up (spec.md §4.4).
const (
	CR0PE uint64 = 1 << 0
	CR0MP uint64 = 1 << 1
	CR0ET uint64 = 1 << 4
	CR0NE uint64 = 1 << 5
	CR0WP uint64 = 1 << 16
	CR0AM uint64 = 1 << 18
	CR0PG uint64 = 1 << 31

	CR4PAE       uint64 = 1 << 5
	CR4OSFXSR    uint64 = 1 << 9
	CR4OSXMMEXCPT uint64 = 1 << 10

	EFERLME uint64 = 1 << 8
	EFERLMA uint64 = 1 << 10
	EFERSCE uint64 = 1 << 0
)

// MSR indices written during long-mode bring-up.
const (
	MsrLSTAR       = 0xC0000082
	MsrSTAR        = 0xC0000081
	MsrSyscallMask = 0xC0000084
)

// RunHeader is the fixed-layout prefix of struct kvm_run shared by every
// exit reason. The remainder of the mmap'd region is a per-exit union that
// callers index into directly via byte offsets (see IOExit).
type RunHeader struct {
	RequestInterruptWindow uint8
	_                      [7]uint8
	ExitReason             uint32
	ReadyForInterruptInjection uint8
	IfFlag                 uint8
	Flags                  uint16
	CR8                    uint64
	ApicBase               uint64
	// HwReason aliases fail_entry.hardware_entry_failure_reason for
	// KVM_EXIT_FAIL_ENTRY and internal.suberror for KVM_EXIT_INTERNAL_ERROR;
	// both occupy the first 8 bytes of the exit union.
	HwReason uint64
}

// IOExit mirrors the `io` member of kvm_run's exit union.
type IOExit struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// exitUnionOffset is where kvm_run's exit union begins, i.e. HwReason's
// offset inside RunHeader.
const exitUnionOffset = int(unsafe.Offsetof(RunHeader{}.HwReason))

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// msrEntry mirrors struct kvm_msr_entry.
type msrEntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// msrsHeader mirrors the fixed prefix of struct kvm_msrs.
type msrsHeader struct {
	NMSRs uint32
	_     uint32
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	_        [3]uint32
}

const maxCPUIDEntries = 100

// cpuid2Header mirrors the fixed prefix of struct kvm_cpuid2.
type cpuid2Header struct {
	Nent uint32
	_    uint32
}

func ioctl(fd int, op uintptr, arg uintptr) (uintptr, error) {
	return unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, arg)
}

// OpenDevice opens /dev/kvm read-write.
func OpenDevice() (int, error) {
	return unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
}

// GetAPIVersion issues KVM_GET_API_VERSION.
func GetAPIVersion(kvmFD int) (int, error) {
	v, err := ioctl(kvmFD, ioctlGetAPIVersion, 0)
	return int(v), err
}

// CreateVM issues KVM_CREATE_VM.
func CreateVM(kvmFD int) (int, error) {
	v, err := ioctl(kvmFD, ioctlCreateVM, 0)
	return int(v), err
}

// CreateVCPU issues KVM_CREATE_VCPU.
func CreateVCPU(vmFD int) (int, error) {
	v, err := ioctl(vmFD, ioctlCreateVCPU, 0)
	return int(v), err
}

// GetVCPUMmapSize issues KVM_GET_VCPU_MMAP_SIZE.
func GetVCPUMmapSize(kvmFD int) (int, error) {
	v, err := ioctl(kvmFD, ioctlGetVCPUMmapSize, 0)
	return int(v), err
}

// Run issues the blocking KVM_RUN ioctl.
func Run(vcpuFD int) error {
	_, err := ioctl(vcpuFD, ioctlRun, 0)
	return err
}

// SetUserMemoryRegion issues KVM_SET_USER_MEMORY_REGION.
func SetUserMemoryRegion(vmFD int, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFD, ioctlSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	return err
}

// SetTSSAddr issues KVM_SET_TSS_ADDR.
func SetTSSAddr(vmFD int, addr uint64) error {
	_, err := ioctl(vmFD, ioctlSetTSSAddr, uintptr(addr))
	return err
}

// GetRegs issues KVM_GET_REGS.
func GetRegs(vcpuFD int) (Regs, error) {
	var regs Regs
	_, err := ioctl(vcpuFD, ioctlGetRegs, uintptr(unsafe.Pointer(&regs)))
	return regs, err
}

// SetRegs issues KVM_SET_REGS.
func SetRegs(vcpuFD int, regs *Regs) error {
	_, err := ioctl(vcpuFD, ioctlSetRegs, uintptr(unsafe.Pointer(regs)))
	return err
}

// GetSregs issues KVM_GET_SREGS.
func GetSregs(vcpuFD int) (Sregs, error) {
	var sregs Sregs
	_, err := ioctl(vcpuFD, ioctlGetSregs, uintptr(unsafe.Pointer(&sregs)))
	return sregs, err
}

// SetSregs issues KVM_SET_SREGS.
func SetSregs(vcpuFD int, sregs *Sregs) error {
	_, err := ioctl(vcpuFD, ioctlSetSregs, uintptr(unsafe.Pointer(sregs)))
	return err
}

// SetMSRs issues KVM_SET_MSRS for the given index/value pairs.
func SetMSRs(vcpuFD int, entries map[uint32]uint64) error {
	n := len(entries)
	buf := make([]byte, int(unsafe.Sizeof(msrsHeader{}))+n*int(unsafe.Sizeof(msrEntry{})))
	hdr := (*msrsHeader)(unsafe.Pointer(&buf[0]))
	hdr.NMSRs = uint32(n)

	i := 0
	off := int(unsafe.Sizeof(msrsHeader{}))
	for idx, data := range entries {
		e := (*msrEntry)(unsafe.Pointer(&buf[off+i*int(unsafe.Sizeof(msrEntry{}))]))
		e.Index = idx
		e.Data = data
		i++
	}

	_, err := ioctl(vcpuFD, ioctlSetMSRs, uintptr(unsafe.Pointer(&buf[0])))
	return err
}

// GetSupportedCPUID issues KVM_GET_SUPPORTED_CPUID and returns the raw
// entries the host CPU/KVM combination supports.
func GetSupportedCPUID(kvmFD int) ([]CPUIDEntry2, error) {
	type cpuid2 struct {
		cpuid2Header
		Entries [maxCPUIDEntries]CPUIDEntry2
	}
	var c cpuid2
	c.Nent = maxCPUIDEntries
	_, err := ioctl(kvmFD, ioctlGetSupportedCPUID, uintptr(unsafe.Pointer(&c)))
	if err != nil {
		return nil, err
	}
	return c.Entries[:c.Nent], nil
}

// SetCPUID2 issues KVM_SET_CPUID2, echoing back exactly the entries given
// (spec.md §4.4: "echo them back to the VCPU unchanged").
func SetCPUID2(vcpuFD int, entries []CPUIDEntry2) error {
	type cpuid2 struct {
		cpuid2Header
		Entries [maxCPUIDEntries]CPUIDEntry2
	}
	var c cpuid2
	c.Nent = uint32(len(entries))
	copy(c.Entries[:], entries)
	_, err := ioctl(vcpuFD, ioctlSetCPUID2, uintptr(unsafe.Pointer(&c)))
	return err
}

// MmapRunArea mmaps the per-VCPU shared kvm_run region.
func MmapRunArea(vcpuFD int, size int) ([]byte, error) {
	return unix.Mmap(vcpuFD, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// Header returns the fixed RunHeader view over the mmap'd run area.
func Header(run []byte) *RunHeader {
	return (*RunHeader)(unsafe.Pointer(&run[0]))
}

// IO decodes the IOExit at the head of the run area's exit union and
// returns the data slice KVM placed after it (for OUT) or expects to be
// filled (for IN).
func IO(run []byte) (*IOExit, []byte) {
	io := (*IOExit)(unsafe.Pointer(&run[exitUnionOffset]))
	data := run[io.DataOffset : io.DataOffset+uint64(io.Size)*uint64(maxu32(io.Count, 1))]
	return io, data
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
