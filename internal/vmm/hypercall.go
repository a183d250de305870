package vmm

import (
	"encoding/binary"

	"hyperfuzz/internal/fault"
	"hyperfuzz/internal/guestkernel"
)

// CrashSink receives a decoded fault record whenever the guest traps into
// the hypercall channel on a CPU exception vector (spec.md §6). The
// fuzzing harness's corpus/crash-triage logic lives behind this interface,
// not in internal/vmm itself.
type CrashSink interface {
	OnFault(info fault.Info, input []byte)
}

// CoverageSink receives basic-block identifiers reported by the guest.
// Nothing in this module emits them yet (no coverage instrumentation
// ships with the guest kernel stub), but internal/vmm.VM holds the
// interface so a future instrumented stub has somewhere to report to
// (spec.md §6).
type CoverageSink interface {
	OnBasicBlock(id uint64)
}

// SyscallSink receives every syscall the guest's LSTAR trampoline
// forwards across the hypercall channel (spec.md §6, §9 Guest ABI). The
// harness uses this to log or emulate the target's syscalls; internal/vmm
// itself only needs to know whether one ended the run.
type SyscallSink interface {
	OnSyscall(info SyscallInfo)
}

// SyscallInfo is the argument record guestkernel.BuildSyscallEntry's
// trampoline leaves in its scratch buffer before hypercalling out, in
// System V AMD64 syscall-ABI register order.
type SyscallInfo struct {
	Number uint64
	Args   [6]uint64
}

// sysExit and sysExitGroup are the only two syscalls this harness treats
// as ending the run; every other syscall is reported to the SyscallSink
// and the guest resumes via sysretq without further host intervention
// (spec.md §9: no broader syscall emulation ships with the guest kernel).
const (
	sysExit      = 60
	sysExitGroup = 231
)

// IsTermination reports whether this syscall marks clean guest exit.
func (s SyscallInfo) IsTermination() bool {
	return s.Number == sysExit || s.Number == sysExitGroup
}

// readFaultBuffer decodes the FaultInfo record guestkernel.Build's
// trailer leaves at bufAddr into a fault.Info. Only VectorPageFault's
// error code is a P/W/X access-violation bitmask, so it alone goes
// through fault.DecodePageFault (spec.md §4.6); every other installed
// vector's Type comes straight from guestkernel.StaticVectorType, keyed
// on the raw vector number the trampoline stored at BufVectorOff.
func (vm *VM) readFaultBuffer(bufAddr uint64) fault.Info {
	buf := make([]byte, guestkernel.BufferSize)
	vm.mem.ReadMem(buf, bufAddr)

	rip := binary.LittleEndian.Uint64(buf[guestkernel.BufRIPOff:])
	faultAddr := binary.LittleEndian.Uint64(buf[guestkernel.BufFaultAddrOff:])
	errorCode := binary.LittleEndian.Uint64(buf[guestkernel.BufErrCodeOff:])
	vector := int(buf[guestkernel.BufVectorOff])

	if vector == guestkernel.VectorPageFault {
		return fault.DecodePageFault(rip, faultAddr, errorCode)
	}
	return fault.Info{RIP: rip, FaultAddr: faultAddr, Type: guestkernel.StaticVectorType[vector]}
}

// readSyscallBuffer decodes the SyscallInfo record
// guestkernel.BuildSyscallEntry's trampoline leaves at bufAddr.
func (vm *VM) readSyscallBuffer(bufAddr uint64) SyscallInfo {
	buf := make([]byte, guestkernel.SyscallBufferSize)
	vm.mem.ReadMem(buf, bufAddr)

	return SyscallInfo{
		Number: binary.LittleEndian.Uint64(buf[guestkernel.SyscallBufNumberOff:]),
		Args: [6]uint64{
			binary.LittleEndian.Uint64(buf[guestkernel.SyscallBufArg0Off:]),
			binary.LittleEndian.Uint64(buf[guestkernel.SyscallBufArg1Off:]),
			binary.LittleEndian.Uint64(buf[guestkernel.SyscallBufArg2Off:]),
			binary.LittleEndian.Uint64(buf[guestkernel.SyscallBufArg3Off:]),
			binary.LittleEndian.Uint64(buf[guestkernel.SyscallBufArg4Off:]),
			binary.LittleEndian.Uint64(buf[guestkernel.SyscallBufArg5Off:]),
		},
	}
}

// handleHypercall processes one OUT to guestkernel.HypercallPort tagged
// with a fault vector: it reads RDX for the buffer address, decodes the
// FaultInfo, and reports it to the VM's CrashSink (spec.md §4.6, §6).
func (vm *VM) handleHypercall() error {
	regs, err := vm.cpu.Regs()
	if err != nil {
		return err
	}

	info := vm.readFaultBuffer(regs.RDX)
	if vm.crashSink != nil {
		vm.crashSink.OnFault(info, vm.currentInput)
	}
	return nil
}

// handleSyscall processes one OUT to guestkernel.HypercallPort tagged
// guestkernel.SyscallTag: it reads RDX for the syscall buffer address,
// decodes the SyscallInfo, reports it to the VM's SyscallSink, and
// reports whether the run should end here. SYS_exit/SYS_exit_group are
// the only syscalls this harness treats as terminal (spec.md §9); every
// other syscall is observed and the guest resumes on its own via
// sysretq.
func (vm *VM) handleSyscall() (bool, error) {
	regs, err := vm.cpu.Regs()
	if err != nil {
		return false, err
	}

	info := vm.readSyscallBuffer(regs.RDX)
	if vm.syscallSink != nil {
		vm.syscallSink.OnSyscall(info)
	}
	return info.IsTermination(), nil
}
