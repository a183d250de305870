package hypervisor

// Flat long-mode segment descriptors (spec.md §4.4). KVM accepts the
// descriptor-cache fields directly through KVM_SET_SREGS, so no in-memory
// GDT is required for this bring-up path — unlike the teacher's 32-bit
// protected-mode setup, which hand-packed a byte-level GDT
// (core_engine/hypervisor/gdt.go) because its boot path had to execute a
// real `lgdt`/far jump sequence from 16-bit real mode.

// CodeSegment64 returns the flat 64-bit code segment installed at GDT
// index 1, matching original_source/src/vm.cpp's setup_long_mode exactly
// (type 11: execute/read/accessed, L=1 so DB must be 0, DPL=3 user mode).
func CodeSegment64(selector uint16) Segment {
	return Segment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: selector,
		Type:     11,
		Present:  1,
		DPL:      3,
		DB:       0,
		S:        1,
		L:        1,
		G:        1,
	}
}

// DataSegment64 returns the flat data segment installed at GDT index 2,
// shared by DS/ES/FS/GS/SS.
func DataSegment64(selector uint16) Segment {
	return Segment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: selector,
		Type:     3,
		Present:  1,
		DPL:      3,
		DB:       0,
		S:        1,
		L:        0,
		G:        1,
	}
}

// Selectors used by the flat GDT layout: index 1 (code) and index 2 (data).
// DPL is carried in the Segment's own DPL field, not in selector RPL bits —
// KVM consults the descriptor-cache fields we set directly, not an
// in-memory GDT.
const (
	SelectorCode64 uint16 = 0x8
	SelectorData64 uint16 = 0x10
)
