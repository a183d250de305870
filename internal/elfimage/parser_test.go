package elfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildMinimalELF hand-assembles the smallest valid 64-bit x86_64
// executable ELF64 image: one PT_LOAD segment that maps the whole file from
// offset 0 (ELF header, program header, and a trailing `hlt; ret` the entry
// point lands on), in the same byte-by-byte construction style as
// core_engine/protected_mode_boot_test.go's machine-code fixtures.
func buildMinimalELF(t *testing.T) string {
	t.Helper()

	const (
		ehdrSize = 64
		phdrSize = 56
		loadVA   = 0x400000
		entry    = loadVA + ehdrSize + phdrSize
	)
	code := []byte{0xf4, 0xc3} // hlt; ret
	fileSize := uint64(ehdrSize + phdrSize + len(code))

	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8)) // e_ident padding
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.EM_X86_64))
	binary.Write(&buf, binary.LittleEndian, uint32(elf.EV_CURRENT))
	binary.Write(&buf, binary.LittleEndian, uint64(entry))
	binary.Write(&buf, binary.LittleEndian, uint64(ehdrSize)) // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))        // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))        // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(phdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shstrndx

	binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD))
	binary.Write(&buf, binary.LittleEndian, uint32(elf.PF_R|elf.PF_X))
	binary.Write(&buf, binary.LittleEndian, uint64(0))       // p_offset
	binary.Write(&buf, binary.LittleEndian, uint64(loadVA))  // p_vaddr
	binary.Write(&buf, binary.LittleEndian, uint64(loadVA))  // p_paddr
	binary.Write(&buf, binary.LittleEndian, fileSize)        // p_filesz
	binary.Write(&buf, binary.LittleEndian, fileSize)        // p_memsz
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))  // p_align

	buf.Write(code)

	path := filepath.Join(t.TempDir(), "minimal")
	if err := os.WriteFile(path, buf.Bytes(), 0o755); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestParseMinimalELF(t *testing.T) {
	path := buildMinimalELF(t)

	img, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	const loadVA = 0x400000
	const ehdrSize, phdrSize = 64, 56
	wantEntry := uint64(loadVA + ehdrSize + phdrSize)
	if img.Entry() != wantEntry {
		t.Errorf("Entry() = %#x, want %#x", img.Entry(), wantEntry)
	}
	if img.LoadAddr() != loadVA {
		t.Errorf("LoadAddr() = %#x, want %#x", img.LoadAddr(), uint64(loadVA))
	}
	if img.Interpreter() != "" {
		t.Errorf("Interpreter() = %q, want empty (static binary)", img.Interpreter())
	}

	loads := img.LoadSegments()
	if len(loads) != 1 {
		t.Fatalf("LoadSegments() = %d segments, want 1", len(loads))
	}
	seg := loads[0]
	if !seg.Readable() || !seg.Executable() || seg.Writable() {
		t.Errorf("segment flags = %+v, want R+X only", seg)
	}
	// The segment maps the file from offset 0, so its data is every file
	// byte, ending in hlt;ret.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	if !bytes.Equal(seg.Data, raw) {
		t.Errorf("segment data = %x, want the whole file %x", seg.Data, raw)
	}
	if len(seg.Data) < 2 || !bytes.Equal(seg.Data[len(seg.Data)-2:], []byte{0xf4, 0xc3}) {
		t.Errorf("segment data = %x, want it to end in hlt;ret", seg.Data)
	}
}

func TestParseRejectsNonELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notelf")
	if err := os.WriteFile(path, []byte("not an elf file"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := Parse(path); err == nil {
		t.Fatal("Parse of non-ELF data succeeded, want error")
	}
}
