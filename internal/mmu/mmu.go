// Package mmu owns guest physical memory and the 4-level x86_64 page
// table, and provides guest-virtual read/write/allocation and brk
// management (spec.md §4.2).
package mmu

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"hyperfuzz/internal/hypervisor"
)

// MMU is the sole owner of guest physical memory and of every page-table
// frame drawn from it. Loader and VCPU code only ever reach guest memory
// through its methods (spec.md §9).
type MMU struct {
	memory []byte // host-mapped guest physical memory, len == memoryLen
	ptl4   uint64 // physical address of the level-4 table (== PageTablePAddr)

	nextPageAlloc uint64

	brk, minBrk uint64
}

// New allocates memSize bytes (rounded up to a page multiple) of guest
// physical memory, registers it with KVM as a single memory slot at guest
// physical address 0, and initializes an empty level-4 page table at
// PageTablePAddr.
func New(vmFD int, memSize uint64) (*MMU, error) {
	size := pageAlignUp(memSize)

	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmu: mmap guest memory: %w", err)
	}

	region := &hypervisor.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	if err := hypervisor.SetUserMemoryRegion(vmFD, region); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("mmu: KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	m := &MMU{
		memory:        mem,
		ptl4:          PageTablePAddr,
		nextPageAlloc: PageTablePAddr + PageSize,
	}
	// The level-4 table's frame is already zero (fresh anonymous mmap);
	// nextPageAlloc is advanced past it so subsequent allocations never
	// collide with it (spec.md §3 frame allocator state).
	return m, nil
}

// NewTestMMU builds an MMU over anonymous host memory without registering
// it with KVM, for tests that only exercise the page-table/stack-layout
// logic and have no live VM to attach to.
func NewTestMMU(memSize uint64) (*MMU, error) {
	size := pageAlignUp(memSize)
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmu: mmap guest memory: %w", err)
	}
	return &MMU{
		memory:        mem,
		ptl4:          PageTablePAddr,
		nextPageAlloc: PageTablePAddr + PageSize,
	}, nil
}

// Close unmaps the guest memory buffer.
func (m *MMU) Close() error {
	if m.memory == nil {
		return nil
	}
	err := unix.Munmap(m.memory)
	m.memory = nil
	return err
}

// Size returns total guest physical bytes.
func (m *MMU) Size() uint64 { return uint64(len(m.memory)) }

// PTL4 returns the physical address of the level-4 page table, for
// installing CR3 during long-mode bring-up.
func (m *MMU) PTL4() uint64 { return m.ptl4 }

// AllocFrame returns the next free physical frame and advances the bump
// allocator. Exhaustion is fatal: there is no freeing path in the
// load-and-run phase (spec.md §3).
func (m *MMU) AllocFrame() uint64 {
	if m.nextPageAlloc+PageSize > uint64(len(m.memory)) {
		panic("mmu: guest physical memory exhausted")
	}
	paddr := m.nextPageAlloc
	m.nextPageAlloc += PageSize
	return paddr
}

// hostFrame returns a slice over the PageSize bytes of host memory backing
// the physical frame at paddr.
func (m *MMU) hostFrame(paddr uint64) []byte {
	return m.memory[paddr : paddr+PageSize]
}

func (m *MMU) entries(tablePAddr uint64) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(&m.memory[tablePAddr])), entriesPerTable)
}

// GetPTE walks the four-level table from ptl4, creating intermediate
// tables on demand, and returns a pointer into host memory for the leaf
// entry slot corresponding to vaddr.
func (m *MMU) GetPTE(vaddr uint64) *uint64 {
	next := m.ptl4
	for _, shift := range []uint{pml4Shift, pdptShift, pdShift} {
		table := m.entries(next)
		idx := tableIndex(vaddr, shift)
		entry := table[idx]
		if entry&PTEPresent == 0 {
			frame := m.AllocFrame()
			clear(m.hostFrame(frame))
			entry = frame | PTEPresent | PTEWritable | PTEUser
			table[idx] = entry
		}
		next = pteAddr(entry)
	}
	leaf := m.entries(next)
	return &leaf[tableIndex(vaddr, ptShift)]
}

// VirtToPhys translates vaddr to a physical address, allocating and
// zeroing a fresh frame if the leaf entry is not present.
func (m *MMU) VirtToPhys(vaddr uint64) uint64 {
	pte := m.GetPTE(vaddr)
	if *pte&PTEPresent == 0 {
		frame := m.AllocFrame()
		clear(m.hostFrame(frame))
		*pte = frame | PTEPresent | PTEWritable | PTEUser
	}
	return pteAddr(*pte) | (vaddr & pageMask)
}

// Translate returns a host pointer whose byte at offset zero corresponds
// to the guest byte at vaddr; it is valid for the remainder of that page.
func (m *MMU) Translate(vaddr uint64) []byte {
	paddr := m.VirtToPhys(vaddr)
	off := paddr & pageMask
	return m.hostFrame(paddr - off)[off:]
}

// copyAcrossPages splits a guest-virtual-address range into per-page
// chunks and hands each chunk's host slice to fn.
func (m *MMU) copyAcrossPages(vaddr uint64, length uint64, fn func(host []byte, chunkLen uint64)) {
	remaining := length
	addr := vaddr
	for remaining > 0 {
		host := m.Translate(addr)
		n := uint64(len(host))
		if n > remaining {
			n = remaining
		}
		fn(host[:n], n)
		addr += n
		remaining -= n
	}
}

// ReadMem copies len(dst) bytes from guest virtual memory starting at
// srcVAddr into dst, materializing any unmapped page it touches.
func (m *MMU) ReadMem(dst []byte, srcVAddr uint64) {
	off := uint64(0)
	m.copyAcrossPages(srcVAddr, uint64(len(dst)), func(host []byte, n uint64) {
		copy(dst[off:off+n], host)
		off += n
	})
}

// WriteMem copies src into guest virtual memory starting at dstVAddr,
// materializing any unmapped page it touches.
func (m *MMU) WriteMem(dstVAddr uint64, src []byte) {
	off := uint64(0)
	m.copyAcrossPages(dstVAddr, uint64(len(src)), func(host []byte, n uint64) {
		copy(host, src[off:off+n])
		off += n
	})
}

// SetMem fills len bytes at vaddr with the byte value b.
func (m *MMU) SetMem(vaddr uint64, b byte, length uint64) {
	m.copyAcrossPages(vaddr, length, func(host []byte, n uint64) {
		for i := range host {
			host[i] = b
		}
	})
}

// Alloc forces materialization of every page covering [start, start+len).
func (m *MMU) Alloc(start, length uint64) {
	m.copyAcrossPages(start, length, func([]byte, uint64) {})
}

// Segment is the subset of an ELF program header the MMU needs to commit a
// PT_LOAD segment to guest memory (spec.md §3).
type Segment struct {
	VAddr    uint64
	FileSize uint64
	MemSize  uint64
	Data     []byte // exactly FileSize bytes, sourced from the ELF image
	Readable bool
	Writable bool
	Executable bool
}

// LoadELF writes each PT_LOAD segment's file bytes to guest virtual memory
// at VAddr, zero-fills the remaining MemSize-FileSize bytes, and maps the
// pages with permissions derived from the segment flags (spec.md §4.2).
func (m *MMU) LoadELF(segments []Segment) {
	for _, seg := range segments {
		m.WriteMem(seg.VAddr, seg.Data[:seg.FileSize])
		if seg.MemSize > seg.FileSize {
			m.SetMem(seg.VAddr+seg.FileSize, 0, seg.MemSize-seg.FileSize)
		}
		m.setPermissions(seg.VAddr, seg.MemSize, seg.Writable, seg.Executable)
	}
}

func (m *MMU) setPermissions(vaddr, length uint64, writable, executable bool) {
	start := pageAlignDown(vaddr)
	end := pageAlignUp(vaddr + length)
	for a := start; a < end; a += PageSize {
		pte := m.GetPTE(a)
		flags := PTEPresent | PTEUser
		if writable {
			flags |= PTEWritable
		}
		if !executable {
			flags |= PTENX
		}
		*pte = pteAddr(*pte) | flags
	}
}

// GetBrk returns the current program break.
func (m *MMU) GetBrk() uint64 { return m.brk }

// InitBrk establishes the initial (brk, minBrk) pair once the loader knows
// where the data segment ends (page-aligned, spec.md §3 invariant).
func (m *MMU) InitBrk(initial uint64) {
	aligned := pageAlignUp(initial)
	m.brk = aligned
	m.minBrk = aligned
}

// SetBrk attempts to move the program break to newBrk. It succeeds and
// returns true iff newBrk >= minBrk and [brk, newBrk) can be mapped
// User|Writable|NX; on success the new range is mapped and brk is updated.
// On failure state is left unchanged (spec.md §4.2).
func (m *MMU) SetBrk(newBrk uint64) bool {
	if newBrk < m.minBrk {
		return false
	}
	if !IsUserAddress(newBrk) {
		return false
	}
	if newBrk > m.brk {
		m.Alloc(m.brk, newBrk-m.brk)
		m.setPermissions(m.brk, newBrk-m.brk, true /* writable */, false /* executable */)
	}
	m.brk = newBrk
	return true
}

// Read reads a value of type T from guest virtual memory at addr without
// assuming natural alignment.
func Read[T any](m *MMU, addr uint64) T {
	var v T
	size := int(unsafe.Sizeof(v))
	buf := make([]byte, size)
	m.ReadMem(buf, addr)
	return *(*T)(unsafe.Pointer(&buf[0]))
}

// Write writes v to guest virtual memory at addr without assuming natural
// alignment.
func Write[T any](m *MMU, addr uint64, v T) {
	size := int(unsafe.Sizeof(v))
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&v)), size)
	m.WriteMem(addr, buf)
}
