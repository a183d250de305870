// Package fault decodes the #PF/#GP/#DE/#SS/#BP trap information the guest
// kernel stub forwards across the hypercall channel into the FaultInfo the
// fuzzing harness reports (spec.md §4.6). The bit layout is reproduced from
// original_source/kernel/src/interrupts.cpp's handle_page_fault.
package fault

import "fmt"

// Type classifies why a fault occurred, mirroring
// original_source/include/common.h's FaultInfo::Type enum (inferred from
// interrupts.cpp's present/execute/write branching) and spec.md §3's
// FaultInfo.type set. The last four variants are reported verbatim for
// vectors whose CPU-pushed word carries no P/W/X access-violation bits to
// decode (#DE pushes nothing; #BP pushes nothing; #GP/#SS push a
// segment-selector index, not an error-code bitmask) — only #PF goes
// through DecodePageFault.
type Type uint8

const (
	Read Type = iota
	Write
	Exec
	OutOfBoundsRead
	OutOfBoundsWrite
	OutOfBoundsExec
	DivByZero
	GeneralProtection
	StackSegment
	Breakpoint
)

func (t Type) String() string {
	switch t {
	case Read:
		return "read"
	case Write:
		return "write"
	case Exec:
		return "exec"
	case OutOfBoundsRead:
		return "out-of-bounds-read"
	case OutOfBoundsWrite:
		return "out-of-bounds-write"
	case OutOfBoundsExec:
		return "out-of-bounds-exec"
	case DivByZero:
		return "div-by-zero"
	case GeneralProtection:
		return "general-protection"
	case StackSegment:
		return "stack-segment"
	case Breakpoint:
		return "breakpoint"
	default:
		return fmt.Sprintf("fault.Type(%d)", uint8(t))
	}
}

// Page-fault error-code bits (Intel SDM vol.3 §4.7), decoded the same way
// interrupts.cpp reads them off the trap frame's error_code word.
const (
	errPresent = 1 << 0
	errWrite   = 1 << 1
	errUser    = 1 << 2
	errExecute = 1 << 4
)

// Info is the payload a page-fault hypercall carries, mirroring
// original_source/include/common.h's FaultInfo struct.
type Info struct {
	RIP       uint64
	FaultAddr uint64
	Type      Type
}

// DecodePageFault classifies a #PF given the faulting rip, the CR2 value
// (fault_addr), and the raw error code pushed by the CPU. It mirrors
// handle_page_fault's present/execute/write decision tree exactly: a fault
// on a present mapping is an access-permission violation (Read/Write/Exec);
// a fault on a non-present mapping is an out-of-bounds access.
func DecodePageFault(rip, faultAddr, errorCode uint64) Info {
	present := errorCode&errPresent != 0
	write := errorCode&errWrite != 0
	execute := errorCode&errExecute != 0

	info := Info{RIP: rip, FaultAddr: faultAddr}
	switch {
	case present && execute:
		info.Type = Exec
	case present && write:
		info.Type = Write
	case present:
		info.Type = Read
	case execute:
		info.Type = OutOfBoundsExec
	case write:
		info.Type = OutOfBoundsWrite
	default:
		info.Type = OutOfBoundsRead
	}
	return info
}

// IsUserFault reports whether the error code's user bit is set. A #PF
// trapped in the guest kernel stub (user bit clear) indicates a bug in the
// stub itself, not a guest program fault, and should never reach the
// hypercall channel (interrupts.cpp's ASSERT(user, ...)).
func IsUserFault(errorCode uint64) bool { return errorCode&errUser != 0 }
