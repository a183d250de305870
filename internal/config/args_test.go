package config

import "testing"

func TestParseMemorySize(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"8", 8},
		{"8K", 8 * 1024},
		{"8M", 8 * 1024 * 1024},
		{"8G", 8 * 1024 * 1024 * 1024},
	}
	for _, c := range cases {
		got, err := ParseMemorySize(c.in)
		if err != nil {
			t.Errorf("ParseMemorySize(%q) error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseMemorySize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseMemorySizeRejectsBadSuffix(t *testing.T) {
	if _, err := ParseMemorySize("8X"); err == nil {
		t.Error("ParseMemorySize(\"8X\") succeeded, want error")
	}
}

func TestParseMemorySizeRejectsEmpty(t *testing.T) {
	if _, err := ParseMemorySize(""); err == nil {
		t.Error("ParseMemorySize(\"\") succeeded, want error")
	}
}

func TestParseDerivesBasicBlocksPathFromBinaryName(t *testing.T) {
	a, err := Parse([]string{"--memory", "16M", "/path/to/target", "arg1"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.BasicBlocksPath != "./basic_blocks_target.txt" {
		t.Errorf("BasicBlocksPath = %q, want ./basic_blocks_target.txt", a.BasicBlocksPath)
	}
	if a.Memory != 16*1024*1024 {
		t.Errorf("Memory = %d, want 16MiB", a.Memory)
	}
	if len(a.BinaryArgv) != 2 || a.BinaryArgv[0] != "/path/to/target" || a.BinaryArgv[1] != "arg1" {
		t.Errorf("BinaryArgv = %v, want [/path/to/target arg1]", a.BinaryArgv)
	}
}

func TestParseRequiresBinaryPath(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Error("Parse with no positional args succeeded, want error")
	}
}
