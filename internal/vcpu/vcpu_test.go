package vcpu

import (
	"strings"
	"testing"

	"hyperfuzz/internal/hypervisor"
)

func TestDisassembleAtDecodesHalt(t *testing.T) {
	got := DisassembleAt([]byte{0xf4}, 0x400000)
	if !strings.Contains(got, "HLT") && !strings.Contains(got, "hlt") {
		t.Errorf("DisassembleAt(hlt) = %q, want it to mention HLT", got)
	}
}

func TestDisassembleAtReportsUndecodable(t *testing.T) {
	got := DisassembleAt(nil, 0x400000)
	if !strings.Contains(got, "undecodable") {
		t.Errorf("DisassembleAt(nil) = %q, want an undecodable marker", got)
	}
}

func TestDumpRegsIncludesEveryRegister(t *testing.T) {
	r := &hypervisor.Regs{RIP: 0x1000, RAX: 1, RSP: 0x7fff0000}
	out := DumpRegs(r)
	for _, want := range []string{"rip:", "rax:", "rsp:", "r15:"} {
		if !strings.Contains(out, want) {
			t.Errorf("DumpRegs output missing %q:\n%s", want, out)
		}
	}
}
