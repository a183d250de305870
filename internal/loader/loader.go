// Package loader composes the guest's initial stack — argv, envp, auxv —
// and commits the ELF image's PT_LOAD segments to guest memory, the way
// original_source/src/vm.cpp's Vm::load_elf does (spec.md §4.5).
package loader

import (
	"crypto/rand"
	"fmt"

	"hyperfuzz/internal/elfimage"
	"hyperfuzz/internal/mmu"
)

// Linux auxv type tags (elf.h), the subset Vm::load_elf touches.
const (
	atNull   = 0
	atPhdr   = 3
	atPhent  = 4
	atPhnum  = 5
	atPagesz = 6
	atRandom = 25
	atExecfn = 31
)

const (
	// stackTop is the canonical top of the user address range; the stack
	// grows down from here (original_source/src/vm.cpp: stack_init).
	stackTop = 0x800000000000
	// stackSize is the fixed stack reservation below stackTop.
	stackSize = 0x10000
	pageSize  = 0x1000
)

// Result carries the register values the VCPU must be initialized with
// once Load returns.
type Result struct {
	RSP    uint64
	RIP    uint64
	RFlags uint64
}

// Load commits img's PT_LOAD segments to m, builds the initial stack
// (argv, envp, a minimal or rich auxv depending on whether img is
// dynamically linked), and establishes the initial program break
// immediately above the highest loaded address.
func Load(m *mmu.MMU, img *elfimage.Image, argv []string) (Result, error) {
	segs := make([]mmu.Segment, 0, len(img.LoadSegments()))
	var highest uint64
	for _, s := range img.LoadSegments() {
		segs = append(segs, mmu.Segment{
			VAddr:      s.VAddr,
			FileSize:   s.FileSize,
			MemSize:    s.MemSize,
			Data:       s.Data,
			Readable:   s.Readable(),
			Writable:   s.Writable(),
			Executable: s.Executable(),
		})
		if end := s.VAddr + s.MemSize; end > highest {
			highest = end
		}
	}
	m.LoadELF(segs)
	m.InitBrk(highest)

	m.Alloc(stackTop-stackSize, stackSize)
	rsp := stackTop

	// NULL terminator pair (original_source/src/vm.cpp comments this as
	// unexplained padding ahead of the random bytes).
	rsp -= 16
	mmu.Write[uint64](m, rsp, 0)
	mmu.Write[uint64](m, rsp+8, 0)

	rsp -= 16
	randomBytes := rsp
	var rb [16]byte
	if _, err := rand.Read(rb[:]); err != nil {
		return Result{}, fmt.Errorf("loader: generate AT_RANDOM bytes: %w", err)
	}
	m.WriteMem(randomBytes, rb[:])

	argvAddrs := make([]uint64, 0, len(argv)+1)
	for _, a := range argv {
		n := uint64(len(a) + 1)
		rsp -= n
		buf := make([]byte, n)
		copy(buf, a)
		m.WriteMem(rsp, buf)
		argvAddrs = append(argvAddrs, rsp)
	}
	argvAddrs = append(argvAddrs, 0)

	rsp &^= 0x7

	auxv := buildAuxv(img, randomBytes, argvAddrs[0])
	rsp -= uint64(len(auxv)) * 16
	auxvBase := rsp
	for i, entry := range auxv {
		mmu.Write[uint64](m, auxvBase+uint64(i)*16, entry[0])
		mmu.Write[uint64](m, auxvBase+uint64(i)*16+8, entry[1])
	}

	// envp: empty, terminated by a single NULL word.
	rsp -= 8
	mmu.Write[uint64](m, rsp, 0)

	for i := len(argvAddrs) - 1; i >= 0; i-- {
		rsp -= 8
		mmu.Write[uint64](m, rsp, argvAddrs[i])
	}

	rsp -= 8
	mmu.Write[uint64](m, rsp, uint64(len(argv)))

	return Result{RSP: rsp, RIP: img.Entry(), RFlags: 2}, nil
}

// buildAuxv returns AT_RANDOM/AT_NULL for a statically linked image, the
// same minimal set original_source/src/vm.cpp installs. For a dynamically
// linked image (PT_INTERP present) it installs the richer set that same
// file's commented-out auxv[] carries — AT_EXECFN/AT_PHDR/AT_PHENT/
// AT_PHNUM/AT_PAGESZ — which a dynamic linker's own startup code expects
// to find (spec.md §4.5).
func buildAuxv(img *elfimage.Image, randomBytes, execfn uint64) [][2]uint64 {
	if img.Interpreter() == "" {
		return [][2]uint64{
			{atRandom, randomBytes},
			{atNull, 0},
		}
	}
	return [][2]uint64{
		{atRandom, randomBytes},
		{atExecfn, execfn},
		{atPhdr, img.LoadAddr() + img.Phoff()},
		{atPhent, uint64(img.Phentsize())},
		{atPhnum, uint64(img.Phnum())},
		{atPagesz, pageSize},
		{atNull, 0},
	}
}
