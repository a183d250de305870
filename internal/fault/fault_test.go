package fault

import "testing"

func TestDecodePageFault(t *testing.T) {
	cases := []struct {
		name      string
		errorCode uint64
		want      Type
	}{
		{"present read", errPresent, Read},
		{"present write", errPresent | errWrite, Write},
		{"present execute", errPresent | errExecute, Exec},
		{"not present read", 0, OutOfBoundsRead},
		{"not present write", errWrite, OutOfBoundsWrite},
		{"not present execute", errExecute, OutOfBoundsExec},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			info := DecodePageFault(0x400000, 0x800000, c.errorCode|errUser)
			if info.Type != c.want {
				t.Errorf("Type = %v, want %v", info.Type, c.want)
			}
			if info.RIP != 0x400000 || info.FaultAddr != 0x800000 {
				t.Errorf("Info = %+v, rip/fault_addr not preserved", info)
			}
		})
	}
}

func TestIsUserFault(t *testing.T) {
	if IsUserFault(errPresent) {
		t.Error("IsUserFault(errPresent) = true, want false")
	}
	if !IsUserFault(errPresent | errUser) {
		t.Error("IsUserFault(errPresent|errUser) = false, want true")
	}
}

func TestTypeStringCoversEveryVariant(t *testing.T) {
	for _, ty := range []Type{Read, Write, Exec, OutOfBoundsRead, OutOfBoundsWrite,
		OutOfBoundsExec, DivByZero, GeneralProtection, StackSegment, Breakpoint} {
		if got := ty.String(); got == "" {
			t.Errorf("Type(%d).String() is empty", ty)
		}
	}
	if got := Type(255).String(); got != "fault.Type(255)" {
		t.Errorf("unknown Type.String() = %q, want fallback form", got)
	}
}
