package hypervisor

// SyscallMSRs returns the LSTAR/STAR/SYSCALL_MASK values installed during
// long-mode bring-up (spec.md §4.4). The constants are reproduced verbatim
// from original_source/src/vm.cpp: they assume the flat GDT selectors in
// segments.go (code 0x8, data 0x10) and must be recomputed if that layout
// changes (spec.md §9 open question).
func SyscallMSRs(syscallHandlerAddr uint64) map[uint32]uint64 {
	return map[uint32]uint64{
		MsrLSTAR:       syscallHandlerAddr,
		MsrSTAR:        0x0020000800000000,
		MsrSyscallMask: 0x3f7fd5,
	}
}
