// Package vcpu owns one KVM virtual CPU: creation, long-mode bring-up, and
// the KVM_RUN dispatch loop (spec.md §4.4). Its lifecycle mirrors
// core_engine/vcpu.go's VCPU (NewVCPU/initRegisters/Run/Close shape), but
// targets the real Linux KVM ABI in internal/hypervisor instead of that
// file's protected-mode placeholder registers, and brings the guest up in
// 64-bit long mode the way original_source/src/vm.cpp's setup_long_mode
// does.
package vcpu

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"hyperfuzz/internal/hypervisor"
)

// TSSAddr is the guest physical address KVM_SET_TSS_ADDR reserves for the
// task-state segment KVM's own emulation needs in long mode
// (original_source/src/vm.cpp: ioctl_chk(vm_fd, KVM_SET_TSS_ADDR, 0xfffbd000)).
const TSSAddr = 0xfffbd000

// VCPU is one guest virtual CPU.
type VCPU struct {
	fd      int
	runArea []byte
}

// New creates a VCPU 0 on vmFD and mmaps its shared kvm_run page.
func New(vmFD int) (*VCPU, error) {
	fd, err := hypervisor.CreateVCPU(vmFD)
	if err != nil {
		return nil, fmt.Errorf("vcpu: KVM_CREATE_VCPU: %w", err)
	}

	mmapSize, err := hypervisor.GetVCPUMmapSize(vmFD)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vcpu: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	run, err := hypervisor.MmapRunArea(fd, mmapSize)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vcpu: mmap kvm_run: %w", err)
	}

	return &VCPU{fd: fd, runArea: run}, nil
}

// Close unmaps the kvm_run page and closes the VCPU file descriptor.
func (v *VCPU) Close() error {
	var err error
	if v.runArea != nil {
		err = unix.Munmap(v.runArea)
		v.runArea = nil
	}
	if v.fd >= 0 {
		if cerr := unix.Close(v.fd); err == nil {
			err = cerr
		}
		v.fd = -1
	}
	return err
}

// FD returns the underlying vCPU file descriptor.
func (v *VCPU) FD() int { return v.fd }

// InitLongMode programs CR0/CR3/CR4/EFER, installs flat 64-bit code/data
// segments, writes the syscall MSRs, and echoes the host's supported
// CPUID leaves into the guest — the exact sequence
// original_source/src/vm.cpp's setup_long_mode performs, against the real
// KVM ioctls in internal/hypervisor instead of that file's raw ioctl(2)
// calls.
func (v *VCPU) InitLongMode(vmFD int, ptl4PAddr uint64) error {
	if err := hypervisor.SetTSSAddr(vmFD, TSSAddr); err != nil {
		return fmt.Errorf("vcpu: KVM_SET_TSS_ADDR: %w", err)
	}

	sregs, err := hypervisor.GetSregs(v.fd)
	if err != nil {
		return fmt.Errorf("vcpu: KVM_GET_SREGS: %w", err)
	}
	sregs.CR3 = ptl4PAddr
	sregs.CR4 = hypervisor.CR4PAE | hypervisor.CR4OSXMMEXCPT | hypervisor.CR4OSFXSR
	sregs.CR0 = hypervisor.CR0PE | hypervisor.CR0MP | hypervisor.CR0ET | hypervisor.CR0NE |
		hypervisor.CR0WP | hypervisor.CR0AM | hypervisor.CR0PG
	sregs.EFER = hypervisor.EFERLME | hypervisor.EFERLMA | hypervisor.EFERSCE

	sregs.CS = hypervisor.CodeSegment64(hypervisor.SelectorCode64)
	data := hypervisor.DataSegment64(hypervisor.SelectorData64)
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data

	if err := hypervisor.SetSregs(v.fd, &sregs); err != nil {
		return fmt.Errorf("vcpu: KVM_SET_SREGS: %w", err)
	}

	if err := hypervisor.SetMSRs(v.fd, hypervisor.SyscallMSRs(0)); err != nil {
		return fmt.Errorf("vcpu: KVM_SET_MSRS: %w", err)
	}

	cpuid, err := hypervisor.GetSupportedCPUID(vmFD)
	if err != nil {
		return fmt.Errorf("vcpu: KVM_GET_SUPPORTED_CPUID: %w", err)
	}
	if err := hypervisor.SetCPUID2(v.fd, cpuid); err != nil {
		return fmt.Errorf("vcpu: KVM_SET_CPUID2: %w", err)
	}

	return nil
}

// SetEntry installs the initial rip/rsp/rflags a fresh guest thread starts
// with (original_source/src/vm.cpp's load_elf tail: regs.rflags = 2;
// regs.rip = elf.get_entry()).
func (v *VCPU) SetEntry(rip, rsp, rflags uint64) error {
	regs, err := hypervisor.GetRegs(v.fd)
	if err != nil {
		return fmt.Errorf("vcpu: KVM_GET_REGS: %w", err)
	}
	regs.RIP = rip
	regs.RSP = rsp
	regs.RFLAGS = rflags
	if err := hypervisor.SetRegs(v.fd, &regs); err != nil {
		return fmt.Errorf("vcpu: KVM_SET_REGS: %w", err)
	}
	return nil
}

// Regs fetches the current general-purpose register file.
func (v *VCPU) Regs() (hypervisor.Regs, error) {
	return hypervisor.GetRegs(v.fd)
}

// RunOnce executes one KVM_RUN and returns the resulting exit header.
// EINTR is not returned as an error: the header is returned as is (KVM
// reports an interrupted KVM_RUN with exit reason KVM_EXIT_INTR), and the
// caller dispatches on it like any other exit.
func (v *VCPU) RunOnce() (*hypervisor.RunHeader, error) {
	if err := hypervisor.Run(v.fd); err != nil {
		if err == unix.EINTR {
			return v.Header(), nil
		}
		return nil, fmt.Errorf("vcpu: KVM_RUN: %w", err)
	}
	return v.Header(), nil
}

// Header returns the fixed-layout prefix of the shared kvm_run page.
func (v *VCPU) Header() *hypervisor.RunHeader {
	return hypervisor.Header(v.runArea)
}

// IO decodes the IOExit and its data slice for a KVM_EXIT_IO header.
func (v *VCPU) IO() (*hypervisor.IOExit, []byte) {
	return hypervisor.IO(v.runArea)
}

// DisassembleAt decodes the x86_64 instruction at code[0:], for fatal-exit
// diagnostics the way original_source/src/vm.cpp's dump_regs reports the
// faulting rip — generalized with golang.org/x/arch/x86/x86asm the way
// other_examples/fdceebca_bobuhiro11-gokvm__machine-machine.go.go decodes
// guest instructions for its MMIO emulation path.
func DisassembleAt(code []byte, rip uint64) string {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return fmt.Sprintf("0x%016x: <undecodable: %v>", rip, err)
	}
	return fmt.Sprintf("0x%016x: %s", rip, x86asm.GNUSyntax(inst, rip, nil))
}

// DumpRegs renders every general-purpose register the way
// original_source/src/vm.cpp's dump_regs prints them, for use in fatal
// diagnostics.
func DumpRegs(r *hypervisor.Regs) string {
	return fmt.Sprintf(
		"rip: 0x%016x\n"+
			"rax: 0x%016x  rbx: 0x%016x  rcx: 0x%016x  rdx: 0x%016x\n"+
			"rsi: 0x%016x  rdi: 0x%016x  rsp: 0x%016x  rbp: 0x%016x\n"+
			"r8:  0x%016x  r9:  0x%016x  r10: 0x%016x  r11: 0x%016x\n"+
			"r12: 0x%016x  r13: 0x%016x  r14: 0x%016x  r15: 0x%016x\n",
		r.RIP, r.RAX, r.RBX, r.RCX, r.RDX, r.RSI, r.RDI, r.RSP, r.RBP,
		r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15)
}
