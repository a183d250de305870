// Package vmm orchestrates one fuzzing run's virtual machine: it wires
// together internal/hypervisor, internal/mmu, internal/elfimage,
// internal/loader, internal/vcpu, and internal/guestkernel, and runs the
// KVM_RUN dispatch loop (spec.md §4, §6). Its shape is grounded on
// core_engine/virtual_machine.go's VirtualMachine (construction order,
// ownership of every subsystem, Close()), generalized from that file's
// PC-platform device model to this harness's single hypercall channel,
// and its run loop follows original_source/src/vm.cpp's Vm::run exactly.
package vmm

import (
	"fmt"
	"log"

	"golang.org/x/sys/unix"

	"hyperfuzz/internal/config"
	"hyperfuzz/internal/elfimage"
	"hyperfuzz/internal/fault"
	"hyperfuzz/internal/guestkernel"
	"hyperfuzz/internal/hypervisor"
	"hyperfuzz/internal/loader"
	"hyperfuzz/internal/mmu"
	"hyperfuzz/internal/vcpu"
)

// Fixed guest-virtual addresses for the kernel stub's IDT, code, and
// hypercall scratch buffer. They sit well above any ELF's typical load
// address and well below the user stack (loader.stackTop), so they never
// collide with a target binary's own mappings for the binaries this
// harness fuzzes (spec.md §9 open question: the exact placement is ours
// to choose, since original_source hardcodes a single static kernel image
// instead of carving out room next to an arbitrary target).
const (
	idtVA           = 0x0000_7f00_0000_0000
	stubVA          = 0x0000_7f00_0100_0000
	bufferVA        = stubVA + 0x1000
	syscallBufferVA = bufferVA + guestkernel.BufferSize

	// syscallEntryVA is where LSTAR points (internal/hypervisor/msr.go's
	// SyscallMSRs(0), wired from internal/vcpu/vcpu.go): virtual address
	// zero, per original_source/include/mmu.h's SYSCALL_HANDLER_ADDR and
	// spec.md §9's Guest ABI ("`syscall` routed via LSTAR to the in-guest
	// syscall handler at virtual address 0"). Nothing else in this harness
	// maps VA 0, so this trampoline owns it exclusively.
	syscallEntryVA = 0
)

// VM owns every resource backing one fuzzing run's guest: the KVM handle,
// guest memory, the parsed target image, and its single VCPU.
type VM struct {
	kvm   *hypervisor.Handle
	vmFD  int
	mem   *mmu.MMU
	image *elfimage.Image
	cpu   *vcpu.VCPU
	stub  *guestkernel.Stub

	crashSink    CrashSink
	coverageSink CoverageSink
	syscallSink  SyscallSink
	currentInput []byte

	debug bool
}

// New opens /dev/kvm, creates a VM and one VCPU, loads args.BinaryPath,
// installs the guest kernel trap stub, and brings the VCPU up in long
// mode ready to execute at the image's entry point.
func New(args *config.Args, crashSink CrashSink, coverageSink CoverageSink, syscallSink SyscallSink) (*VM, error) {
	kvm, err := hypervisor.Open()
	if err != nil {
		return nil, err
	}

	vmFD, err := hypervisor.CreateVM(kvm.FD())
	if err != nil {
		kvm.Close()
		return nil, fmt.Errorf("vmm: KVM_CREATE_VM: %w", err)
	}

	mem, err := mmu.New(vmFD, args.Memory)
	if err != nil {
		kvm.Close()
		return nil, err
	}

	vm := &VM{
		kvm: kvm, vmFD: vmFD, mem: mem,
		crashSink: crashSink, coverageSink: coverageSink, syscallSink: syscallSink,
		debug: args.Debug,
	}

	image, err := elfimage.Parse(args.BinaryPath)
	if err != nil {
		vm.Close()
		return nil, err
	}
	vm.image = image

	res, err := loader.Load(mem, image, args.BinaryArgv)
	if err != nil {
		vm.Close()
		return nil, err
	}

	if err := vm.installGuestKernel(); err != nil {
		vm.Close()
		return nil, err
	}

	cpu, err := vcpu.New(vmFD)
	if err != nil {
		vm.Close()
		return nil, err
	}
	vm.cpu = cpu

	if err := cpu.InitLongMode(vmFD, mem.PTL4()); err != nil {
		vm.Close()
		return nil, err
	}
	if err := vm.installIDT(); err != nil {
		vm.Close()
		return nil, err
	}
	if err := cpu.SetEntry(res.RIP, res.RSP, res.RFlags); err != nil {
		vm.Close()
		return nil, err
	}

	if vm.debug {
		log.Printf("vmm: loaded %s, entry=%#x rsp=%#x", args.BinaryPath, res.RIP, res.RSP)
	}
	return vm, nil
}

// installGuestKernel assembles the trap stub and commits its code to
// guest memory at stubVA, leaving bufferVA's page mapped for the
// hypercall scratch buffer, then installs the `syscall`-entry trampoline
// at syscallEntryVA — the address internal/vcpu.VCPU.InitLongMode's
// SyscallMSRs(0) call already points LSTAR at — so a guest `syscall`
// lands on real code instead of an unmapped, zeroed page (spec.md §9).
func (vm *VM) installGuestKernel() error {
	stub := guestkernel.Build(bufferVA)
	vm.mem.WriteMem(stubVA, stub.Code)
	vm.mem.Alloc(bufferVA, guestkernel.BufferSize)
	vm.stub = stub

	entry := guestkernel.BuildSyscallEntry(syscallBufferVA)
	vm.mem.WriteMem(syscallEntryVA, entry)
	vm.mem.Alloc(syscallBufferVA, guestkernel.SyscallBufferSize)
	return nil
}

// installIDT builds the 32-entry interrupt descriptor table pointing at
// the stub's per-vector trampolines (falling back to a single hlt for
// every other vector) and loads IDTR via KVM_SET_SREGS.
func (vm *VM) installIDT() error {
	catchAll := guestkernel.CatchAll()
	catchAllVA := stubVA + uint64(len(vm.stub.Code))
	vm.mem.WriteMem(catchAllVA, catchAll)

	idt := guestkernel.BuildIDT(stubVA, vm.stub, hypervisor.SelectorCode64, len(vm.stub.Code))
	vm.mem.WriteMem(idtVA, idt)

	sregs, err := hypervisor.GetSregs(vm.cpu.FD())
	if err != nil {
		return fmt.Errorf("vmm: KVM_GET_SREGS (idt): %w", err)
	}
	sregs.IDT.Base = idtVA
	sregs.IDT.Limit = uint16(len(idt) - 1)
	if err := hypervisor.SetSregs(vm.cpu.FD(), &sregs); err != nil {
		return fmt.Errorf("vmm: KVM_SET_SREGS (idt): %w", err)
	}
	return nil
}

// Run drives the VCPU's KVM_RUN loop until the guest reports a
// SYS_exit/SYS_exit_group syscall (Run returns nil) or takes a fatal exit
// (HLT, shutdown, entry failure, internal error, any other exit reason;
// Run returns an error). A fault hypercall is reported to the crash sink
// and the guest is resumed; the fault trampoline then executes hlt, so a
// reported fault ends the run through the HLT exit. It mirrors original_source/src/vm.cpp's Vm::run
// exit-reason switch exactly, translated to internal/hypervisor's real
// exit-reason constants.
func (vm *VM) Run(input []byte) error {
	vm.currentInput = input

	for {
		header, err := vm.cpu.RunOnce()
		if err != nil {
			return err
		}

		switch header.ExitReason {
		case hypervisor.ExitHLT:
			return vm.dieWithRegs("HLT")

		case hypervisor.ExitIO:
			io, data := vm.cpu.IO()
			if io.Direction == hypervisor.ExitIODirOut && io.Port == guestkernel.HypercallPort {
				// AL at the moment of OUT tags which trampoline hypercalled:
				// SyscallTag for the LSTAR entry at syscallEntryVA, a raw
				// exception-vector number for every other installed vector
				// (spec.md §9 Guest ABI).
				if len(data) > 0 && data[0] == guestkernel.SyscallTag {
					done, err := vm.handleSyscall()
					if err != nil {
						return fmt.Errorf("vmm: syscall handler: %w", err)
					}
					if done {
						return nil
					}
					continue
				}
				if err := vm.handleHypercall(); err != nil {
					return fmt.Errorf("vmm: hypercall handler: %w", err)
				}
				continue
			}
			return vm.dieWithRegs(fmt.Sprintf("unexpected IO on port %#x", io.Port))

		case hypervisor.ExitFailEntry:
			return vm.dieWithRegs(fmt.Sprintf("KVM_EXIT_FAIL_ENTRY hw_reason=%#x", header.HwReason))

		case hypervisor.ExitInternalErr:
			return vm.dieWithRegs(fmt.Sprintf("KVM_EXIT_INTERNAL_ERROR suberror=%#x", header.HwReason))

		case hypervisor.ExitShutdown:
			return vm.dieWithRegs("KVM_EXIT_SHUTDOWN")

		default:
			return vm.dieWithRegs(fmt.Sprintf("unhandled exit reason %d", header.ExitReason))
		}
	}
}

// dieWithRegs dumps the VCPU's registers the way
// original_source/src/vm.cpp's dump_regs does on every fatal exit, then
// returns an error describing why the run ended.
func (vm *VM) dieWithRegs(reason string) error {
	regs, err := vm.cpu.Regs()
	if err != nil {
		return fmt.Errorf("vmm: run ended (%s), and KVM_GET_REGS also failed: %w", reason, err)
	}
	log.Printf("vmm: run ended (%s)\n%s", reason, vcpu.DumpRegs(&regs))
	return fmt.Errorf("vmm: %s", reason)
}

// DumpRegs renders the VCPU's current general-purpose registers, for the
// caller to print around a run the way original_source/src/main.cpp calls
// vm.dump_regs() before and after vm.run().
func (vm *VM) DumpRegs() (string, error) {
	regs, err := vm.cpu.Regs()
	if err != nil {
		return "", fmt.Errorf("vmm: KVM_GET_REGS: %w", err)
	}
	return vcpu.DumpRegs(&regs), nil
}

// DecodeFaultAt disassembles the instruction at rip out of guest memory,
// for inclusion in a crash report (spec.md §6).
func (vm *VM) DecodeFaultAt(info fault.Info) string {
	code := vm.mem.Translate(info.RIP)
	n := 15
	if len(code) < n {
		n = len(code)
	}
	return vcpu.DisassembleAt(code[:n], info.RIP)
}

// Close releases every resource the VM owns, in reverse acquisition
// order.
func (vm *VM) Close() error {
	var err error
	if vm.cpu != nil {
		if cerr := vm.cpu.Close(); err == nil {
			err = cerr
		}
	}
	if vm.mem != nil {
		if cerr := vm.mem.Close(); err == nil {
			err = cerr
		}
	}
	if vm.vmFD >= 0 {
		if cerr := unix.Close(vm.vmFD); err == nil {
			err = cerr
		}
		vm.vmFD = -1
	}
	if vm.kvm != nil {
		if cerr := vm.kvm.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
