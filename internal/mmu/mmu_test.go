package mmu

import (
	"bytes"
	"testing"
)

func TestReadWriteMemRoundTrip(t *testing.T) {
	m, err := NewTestMMU(1 << 20)
	if err != nil {
		t.Fatalf("NewTestMMU: %v", err)
	}
	defer m.Close()

	want := []byte("hello, guest memory")
	const addr = 0x401000
	m.WriteMem(addr, want)

	got := make([]byte, len(want))
	m.ReadMem(got, addr)
	if !bytes.Equal(got, want) {
		t.Errorf("ReadMem = %q, want %q", got, want)
	}
}

func TestReadWriteMemCrossesPageBoundary(t *testing.T) {
	m, err := NewTestMMU(1 << 20)
	if err != nil {
		t.Fatalf("NewTestMMU: %v", err)
	}
	defer m.Close()

	want := bytes.Repeat([]byte{0xab}, PageSize*3+17)
	const addr = 0x401000 - 5 // straddles a page boundary on purpose
	m.WriteMem(addr, want)

	got := make([]byte, len(want))
	m.ReadMem(got, addr)
	if !bytes.Equal(got, want) {
		t.Errorf("cross-page round trip mismatch")
	}
}

func TestTypedReadWrite(t *testing.T) {
	m, err := NewTestMMU(1 << 20)
	if err != nil {
		t.Fatalf("NewTestMMU: %v", err)
	}
	defer m.Close()

	Write[uint64](m, 0x402003, 0xdeadbeefcafebabe) // unaligned on purpose
	if got := Read[uint64](m, 0x402003); got != 0xdeadbeefcafebabe {
		t.Errorf("Read = %#x, want %#x", got, uint64(0xdeadbeefcafebabe))
	}
}

func TestSetMem(t *testing.T) {
	m, err := NewTestMMU(1 << 20)
	if err != nil {
		t.Fatalf("NewTestMMU: %v", err)
	}
	defer m.Close()

	m.SetMem(0x403000, 0x42, 100)
	got := make([]byte, 100)
	m.ReadMem(got, 0x403000)
	if !bytes.Equal(got, bytes.Repeat([]byte{0x42}, 100)) {
		t.Errorf("SetMem did not fill the requested range")
	}
}

func TestSetBrkRejectsBelowMinBrk(t *testing.T) {
	m, err := NewTestMMU(1 << 20)
	if err != nil {
		t.Fatalf("NewTestMMU: %v", err)
	}
	defer m.Close()

	m.InitBrk(0x410000)
	if m.SetBrk(0x400000) {
		t.Error("SetBrk below minBrk succeeded, want failure")
	}
	if m.GetBrk() != 0x410000 {
		t.Errorf("GetBrk() = %#x after failed SetBrk, want unchanged 0x410000", m.GetBrk())
	}
}

func TestSetBrkGrowsAndIsWritable(t *testing.T) {
	m, err := NewTestMMU(1 << 20)
	if err != nil {
		t.Fatalf("NewTestMMU: %v", err)
	}
	defer m.Close()

	m.InitBrk(0x410000)
	if !m.SetBrk(0x420000) {
		t.Fatal("SetBrk growth failed")
	}
	Write[uint64](m, 0x415000, 0x1234)
	if got := Read[uint64](m, 0x415000); got != 0x1234 {
		t.Errorf("grown brk region not writable: got %#x", got)
	}
}

func TestSetBrkRejectsNonUserAddress(t *testing.T) {
	m, err := NewTestMMU(1 << 20)
	if err != nil {
		t.Fatalf("NewTestMMU: %v", err)
	}
	defer m.Close()

	m.InitBrk(0x410000)
	if m.SetBrk(0x0001_0000_0000_0000) {
		t.Error("SetBrk past the user address limit succeeded, want failure")
	}
}

func TestIsUserRange(t *testing.T) {
	if !IsUserRange(0, PageSize) {
		t.Error("IsUserRange(0, PageSize) = false, want true")
	}
	if IsUserRange(userSpaceLimit-1, 2) {
		t.Error("range crossing userSpaceLimit should not be a user range")
	}
	if !IsUserRange(0, 0) {
		t.Error("empty range should always be a user range")
	}
}
