package guestkernel

import (
	"encoding/binary"
	"testing"

	"hyperfuzz/internal/hypervisor"
)

func TestBuildInstallsEveryExpectedVector(t *testing.T) {
	s := Build(0x7000)
	for _, v := range []int{VectorDivByZero, VectorBreakpoint, VectorStackFault, VectorGPFault, VectorPageFault} {
		off, ok := s.VectorOff[v]
		if !ok {
			t.Fatalf("vector %d missing from Stub.VectorOff", v)
		}
		if off < 0 || off >= len(s.Code) {
			t.Fatalf("vector %d offset %d out of range [0,%d)", v, off, len(s.Code))
		}
	}
	if len(s.Code) == 0 {
		t.Fatal("Build produced no code")
	}
}

func TestBuildEndsEachTrampolineWithHypercallAndHalt(t *testing.T) {
	s := Build(0x7000)
	offsets := make([]int, 0, len(s.VectorOff))
	for _, off := range s.VectorOff {
		offsets = append(offsets, off)
	}
	for _, off := range offsets {
		// Find the next trampoline's start (or code end) to bound this one.
		end := len(s.Code)
		for _, other := range offsets {
			if other > off && other < end {
				end = other
			}
		}
		// Trailer is: mov al, imm8 (2 bytes); out imm8, al (0xe6, port); hlt (0xf4).
		tail := s.Code[end-3 : end]
		if tail[0] != 0xe6 || tail[1] != HypercallPort || tail[2] != 0xf4 {
			t.Errorf("trampoline ending at %d does not end in out %#x,al; hlt: %x", end, HypercallPort, tail)
		}
	}
}

func TestBuildIDTCoversAllVectors(t *testing.T) {
	s := Build(0x7000)
	catchAllOff := len(s.Code)
	idt := BuildIDT(0x6000, s, hypervisor.SelectorCode64, catchAllOff)
	if len(idt) != numVectors*gateSize {
		t.Fatalf("IDT length = %d, want %d", len(idt), numVectors*gateSize)
	}
}

// TestBuildIDTBreakpointGateIsUserAccessible checks the one DPL the IDT
// can't leave at 0: #BP is raised by the target's own `int3` at CPL 3, and
// the CPU only delivers an INTn-style trap when the gate's DPL is at least
// the caller's CPL (Intel SDM vol.3 §6.12.1.1).
func TestBuildIDTBreakpointGateIsUserAccessible(t *testing.T) {
	s := Build(0x7000)
	catchAllOff := len(s.Code)
	idt := BuildIDT(0x6000, s, hypervisor.SelectorCode64, catchAllOff)

	entry := idt[VectorBreakpoint*gateSize : VectorBreakpoint*gateSize+gateSize]
	dpl := (entry[5] >> 5) & 3
	if dpl != 3 {
		t.Errorf("#BP gate DPL = %d, want 3", dpl)
	}

	// #PF must stay CPU-only: DPL 0.
	pfEntry := idt[VectorPageFault*gateSize : VectorPageFault*gateSize+gateSize]
	pfDPL := (pfEntry[5] >> 5) & 3
	if pfDPL != 0 {
		t.Errorf("#PF gate DPL = %d, want 0", pfDPL)
	}
}

// TestBuildTagsEachTrampolineWithItsOwnVector guards against the bug where
// every vector's trailer got run through the same page-fault-style P/W/X
// decode: each trampoline must store its own vector number at
// BufVectorOff, and #DE/#BP (which push no CPU error code) must store a
// zero error code rather than leaking stack garbage.
func TestBuildTagsEachTrampolineWithItsOwnVector(t *testing.T) {
	s := Build(0x7000)
	for _, v := range []int{VectorDivByZero, VectorBreakpoint, VectorStackFault, VectorGPFault, VectorPageFault} {
		off := s.VectorOff[v]
		// Bound the search to this trampoline: it ends where the next one
		// starts (or at the end of the code).
		end := len(s.Code)
		for _, other := range s.VectorOff {
			if other > off && other < end {
				end = other
			}
		}
		// The trailer's "mov al, imm8" is the 2nd-to-last instruction
		// before the final out/hlt; its immediate byte is the vector tag
		// written to AL, which must match the vector this trampoline
		// handles.
		tagIdx := -1
		for i := off; i+2 < end; i++ {
			if s.Code[i] == 0xb0 && s.Code[i+2] == 0xe6 {
				tagIdx = i
			}
		}
		if tagIdx == -1 {
			t.Fatalf("vector %d: could not find mov al, imm8 before out", v)
		}
		if got := s.Code[tagIdx+1]; got != byte(v) {
			t.Errorf("vector %d: AL tag = %d, want %d", v, got, v)
		}

		// Vectors without a CPU error code start with `movabs rsi, 0`, so
		// the error code stored at BufErrCodeOff is zero.
		if !vectorPushesError(v) {
			want := []byte{0x48, 0xbe, 0, 0, 0, 0, 0, 0, 0, 0}
			if got := s.Code[off : off+len(want)]; string(got) != string(want) {
				t.Errorf("vector %d: trampoline starts with %x, want movabs rsi, 0 (%x)", v, got, want)
			}
		}
	}
}

func TestBuildSyscallEntryEndsWithHypercallAndSysretq(t *testing.T) {
	code := BuildSyscallEntry(0x9000)
	if len(code) == 0 {
		t.Fatal("BuildSyscallEntry produced no code")
	}

	// Trailer: mov al, imm8 (2 bytes); out imm8, al (2 bytes); sysretq (3 bytes).
	tail := code[len(code)-3:]
	if tail[0] != 0x48 || tail[1] != 0x0f || tail[2] != 0x07 {
		t.Errorf("trailer does not end in sysretq: %x", tail)
	}

	outIdx := len(code) - 3 - 2
	if code[outIdx] != 0xe6 || code[outIdx+1] != HypercallPort {
		t.Errorf("missing out %#x,al before sysretq: %x", HypercallPort, code[outIdx:outIdx+2])
	}

	tagIdx := outIdx - 2
	if code[tagIdx] != 0xb0 || code[tagIdx+1] != SyscallTag {
		t.Errorf("AL not tagged with SyscallTag before hypercall: %x", code[tagIdx:tagIdx+2])
	}
}

func TestBuildSyscallEntrySavesEveryArgRegister(t *testing.T) {
	const bufferAddr = 0x9000
	code := BuildSyscallEntry(bufferAddr)

	// Every register save is `movabs rbx, bufferAddr+off` (REX prefix byte,
	// 0xb8-0xbf opcode, 8-byte little-endian immediate) followed by a
	// `mov [rbx], reg` store. Each movabs immediate must appear somewhere
	// in the code, once per saved offset, so rax's syscall number and
	// every argument register reach the buffer before al is clobbered
	// with SyscallTag.
	offs := []uint64{
		SyscallBufNumberOff, SyscallBufArg0Off, SyscallBufArg1Off,
		SyscallBufArg2Off, SyscallBufArg3Off, SyscallBufArg4Off, SyscallBufArg5Off,
	}
	for _, off := range offs {
		want := bufferAddr + off
		found := false
		for i := 0; i+10 <= len(code); i++ {
			rex := code[i]
			opcode := code[i+1]
			if (rex != 0x48 && rex != 0x49) || opcode&0xf8 != 0xb8 {
				continue
			}
			if binary.LittleEndian.Uint64(code[i+2:i+10]) == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("no movabs loads buffer address %#x (offset %#x)", want, off)
		}
	}
}
