// Package guestkernel assembles the minimal in-guest trap-handling code:
// per-vector entry trampolines that normalize the CPU-pushed exception
// frame and each end in the same trailer shape that reports the fault to
// the host over the hypercall channel, and the `syscall`-entry trampoline LSTAR points at
// (spec.md §4.6, §9). The trampolines are built the same way
// core_engine/protected_mode_boot_test.go hand-assembles its protected-mode
// bootloader fixture — byte by byte, with each instruction commented —
// generalized from a 16/32-bit boot stub to a flat 64-bit trap stub.
package guestkernel

import (
	"encoding/binary"

	"hyperfuzz/internal/fault"
)

// Exception vectors the stub installs handlers for (spec.md §4.6). Every
// other vector in the IDT points at the catch-all halt stub.
const (
	VectorDivByZero  = 0
	VectorBreakpoint = 3
	VectorStackFault = 12
	VectorGPFault    = 13
	VectorPageFault  = 14
)

// HypercallPort is the I/O port the trailer OUTs to, the same port
// internal/vmm's hypercall dispatcher watches for on KVM_EXIT_IO. The byte
// written (AL at the moment of OUT, surfaced to the host as the IO exit's
// data byte) tags which kind of hypercall this is: one of the vector
// numbers above for a fault, or SyscallTag for a `syscall` trap.
const HypercallPort = 0x10

// SyscallTag marks a hypercall raised by the syscall-entry trampoline
// rather than an exception trampoline. It is chosen outside [0, 32) so it
// can never collide with a real CPU exception vector.
const SyscallTag = 0x20

// Buffer offsets of the FaultInfo record the trailer leaves in guest
// memory before trapping out to the host; internal/vmm reads it back with
// this same layout. BufVectorOff carries the raw vector number: #PF's
// Type is decoded host-side from BufErrCodeOff's P/W/X bits via
// fault.DecodePageFault, every other vector's Type is looked up from the
// vector number alone via StaticVectorType (its error-code word, when it
// has one, is not a P/W/X bitmask and cannot be decoded that way).
const (
	BufRIPOff       = 0
	BufFaultAddrOff = 8
	BufVectorOff    = 16
	BufErrCodeOff   = 17
	BufferSize      = 32 // padded to an 8-byte multiple
)

// StaticVectorType gives the fixed fault.Type for every installed vector
// whose fault doesn't need the #PF access-violation decode (spec.md §3's
// FaultInfo.type set).
var StaticVectorType = map[int]fault.Type{
	VectorDivByZero:  fault.DivByZero,
	VectorBreakpoint: fault.Breakpoint,
	VectorStackFault: fault.StackSegment,
	VectorGPFault:    fault.GeneralProtection,
}

// Syscall-argument buffer offsets, in System V AMD64 syscall-ABI register
// order (rax, rdi, rsi, rdx, r10, r8, r9). The syscall trampoline saves
// every argument register here before clobbering al with SyscallTag, since
// al is the low byte of rax — the syscall number itself — and OUT's 8-bit
// form has no other source register to tag with (spec.md §9).
const (
	SyscallBufNumberOff = 0
	SyscallBufArg0Off   = 8
	SyscallBufArg1Off   = 16
	SyscallBufArg2Off   = 24
	SyscallBufArg3Off   = 32
	SyscallBufArg4Off   = 40
	SyscallBufArg5Off   = 48
	SyscallBufferSize   = 56
)

// register encodings used by the hand-built instruction stream below.
// r8/r9/r10 need REX.R or REX.B set on top of the 3-bit field the opcode
// carries, handled by movImm64/storeMem below.
const (
	regRAX = 0
	regRCX = 1
	regRDX = 2
	regRBX = 3
	regRSP = 4
	regRBP = 5
	regRSI = 6
	regRDI = 7
	regR8  = 8
	regR9  = 9
	regR10 = 10
)

type asm struct{ b []byte }

func (a *asm) emit(bs ...byte) { a.b = append(a.b, bs...) }

// movImm64 emits `movabs reg, imm64` (REX.W(+B) + B8+reg + imm64 LE).
func (a *asm) movImm64(reg byte, imm uint64) {
	a.emit(0x48|((reg>>3)&1), 0xb8|(reg&7))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], imm)
	a.emit(buf[:]...)
}

// storeMem emits `mov [base], src` (REX.W(+R)(+B) + 89 /r, mod=00 rm=base).
func (a *asm) storeMem(base, src byte) {
	rex := byte(0x48)
	if src >= 8 {
		rex |= 0x04 // REX.R
	}
	if base >= 8 {
		rex |= 0x01 // REX.B
	}
	a.emit(rex, 0x89, 0x00|((src&7)<<3)|(base&7))
}

// storeMemImm8 emits `mov byte [base], imm8` (C6 /0 ib).
func (a *asm) storeMemImm8(base, imm8 byte) {
	a.emit(0xc6, 0x00|base, imm8)
}

// movCR2 emits `mov dst, cr2` (0F 20 /r, reg field = cr2 = 2).
func (a *asm) movCR2(dst byte) { a.emit(0x0f, 0x20, 0xd0|dst) }

// popReg emits `pop reg`.
func (a *asm) popReg(reg byte) { a.emit(0x58 | reg) }

// outALImm8 emits `out imm8, al`.
func (a *asm) outALImm8(port byte) { a.emit(0xe6, port) }

// hlt emits `hlt`.
func (a *asm) hlt() { a.emit(0xf4) }

// sysretq emits `sysretq` (REX.W + 0F 07), returning to the instruction
// after the `syscall` that entered the syscall trampoline.
func (a *asm) sysretq() { a.emit(0x48, 0x0f, 0x07) }

// Stub holds the assembled trap-handling code plus the byte offset of each
// vector's entry point, so the caller can fill in IDT gate descriptors.
type Stub struct {
	Code       []byte
	VectorOff  map[int]int
	BufferAddr uint64
}

// vectorPushesError reports whether the CPU automatically pushes an
// error-code word for this vector (Intel SDM vol.3 §6.3.1), matching
// which naked stub shape interrupts.cpp would need for it.
func vectorPushesError(vector int) bool {
	switch vector {
	case VectorStackFault, VectorGPFault, VectorPageFault:
		return true
	default:
		return false
	}
}

// Build assembles trampolines for VectorDivByZero, VectorBreakpoint,
// VectorStackFault, VectorGPFault, VectorPageFault, each writing a
// FaultInfo record to bufferAddr, trapping to the host via HypercallPort,
// and ending in its own hlt.
func Build(bufferAddr uint64) *Stub {
	a := &asm{}
	s := &Stub{VectorOff: make(map[int]int), BufferAddr: bufferAddr}

	for _, vector := range []int{VectorDivByZero, VectorBreakpoint, VectorStackFault, VectorGPFault, VectorPageFault} {
		s.VectorOff[vector] = len(a.b)

		// Normalize: pop the CPU-pushed error code into rsi when present
		// (original_source/kernel/src/interrupts.cpp: `pop rsi`); rip is
		// at [rsp] either way once the error code is popped.
		if vectorPushesError(vector) {
			a.popReg(regRSI)
		} else {
			a.movImm64(regRSI, 0)
		}
		// rdi := frame pointer (top of stack: saved rip).
		a.emit(0x48, 0x89, 0xe7) // mov rdi, rsp

		// rax := faulting rip, stash into the buffer's RIP field.
		a.emit(0x48, 0x8b, 0x07) // mov rax, [rdi]
		a.movImm64(regRBX, bufferAddr+BufRIPOff)
		a.storeMem(regRBX, regRAX)

		if vector == VectorPageFault {
			// fault_addr := cr2 (original_source reads it with rdcr2()).
			a.movCR2(regRAX)
		} else {
			a.emit(0x48, 0x31, 0xc0) // xor rax, rax — no linear fault address
		}
		a.movImm64(regRBX, bufferAddr+BufFaultAddrOff)
		a.storeMem(regRBX, regRAX)

		// Raw error code, verbatim (0 for vectors that push none). Only #PF's
		// is a P/W/X bitmask; internal/vmm decodes it with
		// fault.DecodePageFault solely for VectorPageFault, and looks up
		// every other vector's Type from StaticVectorType instead — #GP/#SS
		// push a segment-selector index here, not access-violation bits.
		a.movImm64(regRBX, bufferAddr+BufErrCodeOff)
		a.storeMem(regRBX, regRSI)

		// Vector tag, so the host can tell which Type table to consult.
		a.movImm64(regRBX, bufferAddr+BufVectorOff)
		a.storeMemImm8(regRBX, byte(vector))

		// Hypercall trailer: rdx := buffer address, al := vector tag.
		a.movImm64(regRDX, bufferAddr)
		a.emit(0xb0, byte(vector)) // mov al, imm8
		a.outALImm8(HypercallPort)
		a.hlt()
	}

	s.Code = a.b
	return s
}

// BuildSyscallEntry assembles the trampoline LSTAR points `syscall` at
// (spec.md §9 Guest ABI: "`syscall` routed via LSTAR to the in-guest
// syscall handler at virtual address 0"). It saves every syscall-ABI
// argument register to bufferAddr before touching al — al is rax's low
// byte, and rax carries the syscall number the host still needs to read —
// then hypercalls with SyscallTag and resumes the caller with sysretq. The
// host decides whether to keep running the guest (RunOnce again) or treat
// the syscall as a clean termination (SYS_exit/SYS_exit_group never
// meaningfully return), so this trampoline always falls through to
// sysretq and leaves that judgment entirely to internal/vmm.
func BuildSyscallEntry(bufferAddr uint64) []byte {
	a := &asm{}
	saves := []struct {
		reg byte
		off uint64
	}{
		{regRAX, SyscallBufNumberOff},
		{regRDI, SyscallBufArg0Off},
		{regRSI, SyscallBufArg1Off},
		{regRDX, SyscallBufArg2Off},
		{regR10, SyscallBufArg3Off},
		{regR8, SyscallBufArg4Off},
		{regR9, SyscallBufArg5Off},
	}
	for _, sv := range saves {
		a.movImm64(regRBX, bufferAddr+sv.off)
		a.storeMem(regRBX, sv.reg)
	}

	a.movImm64(regRDX, bufferAddr)
	a.emit(0xb0, SyscallTag) // mov al, imm8
	a.outALImm8(HypercallPort)
	a.sysretq()

	return a.b
}
