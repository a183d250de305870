package guestkernel

import "encoding/binary"

// gateSize is the size in bytes of a 64-bit interrupt-gate descriptor
// (Intel SDM vol.3 §6.14.1).
const gateSize = 16

// numVectors covers the CPU exception range; every vector this package
// doesn't install a handler for points at the catch-all halt trampoline.
const numVectors = 32

// BuildIDT lays out a numVectors-entry 64-bit interrupt-gate IDT. Every
// gate targets stubBase+offset for the vectors Build assembled, and
// catchAllOff for everything else — a single `hlt` guarding against traps
// this harness never expected (spec.md §9).
func BuildIDT(stubBase uint64, s *Stub, codeSelector uint16, catchAllOff int) []byte {
	idt := make([]byte, numVectors*gateSize)
	for vector := 0; vector < numVectors; vector++ {
		off, ok := s.VectorOff[vector]
		dpl := byte(0)
		if !ok {
			off = catchAllOff
		} else if vector == VectorBreakpoint {
			// #BP is the one vector a CPL-3 target deliberately raises itself
			// (`int3`), via the INTn form, which the CPU only allows when the
			// gate's DPL >= the caller's CPL (Intel SDM vol.3 §6.12.1.1).
			// Every other installed vector is always CPU-raised (#PF/#GP/#SS/
			// #DE), which bypasses the DPL check entirely, so DPL=0 there is
			// correct.
			dpl = 3
		}
		putGate(idt[vector*gateSize:], stubBase+uint64(off), codeSelector, dpl)
	}
	return idt
}

// putGate encodes one interrupt-gate descriptor: present, the given DPL,
// type=0xE (64-bit interrupt gate), IST=0.
func putGate(entry []byte, handlerAddr uint64, selector uint16, dpl byte) {
	typeAttr := 0x8e | (dpl&3)<<5 // P=1, DPL, type=1110b (interrupt gate)

	binary.LittleEndian.PutUint16(entry[0:2], uint16(handlerAddr))
	binary.LittleEndian.PutUint16(entry[2:4], selector)
	entry[4] = 0 // IST
	entry[5] = typeAttr
	binary.LittleEndian.PutUint16(entry[6:8], uint16(handlerAddr>>16))
	binary.LittleEndian.PutUint32(entry[8:12], uint32(handlerAddr>>32))
	// entry[12:16] reserved, left zero
}

// CatchAll assembles a trampoline that simply halts — installed for every
// vector the fuzzing harness doesn't expect to take (spec.md §9).
func CatchAll() []byte {
	return []byte{0xf4} // hlt
}
