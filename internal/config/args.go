// Package config parses command-line arguments into the settings
// internal/vmm needs to construct and run a VM (spec.md §6). The flag
// surface mirrors original_source/hypervisor/src/args.cpp's Args, built on
// the standard flag package (a single flat flag.FlagSet, no third-party CLI
// framework anywhere in the retrieved corpus).
package config

import (
	"flag"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
)

// Args holds one fuzzing run's configuration.
type Args struct {
	Jobs             int
	Memory           uint64 // bytes, parsed from a K/M/G-suffixed flag value
	KernelPath       string
	InputDir         string
	OutputDir        string
	MemoryFiles      []string
	BasicBlocksPath  string
	BinaryPath       string
	BinaryArgv       []string
	Debug            bool
}

// Parse parses argv (excluding the program name) into an Args, applying
// the same defaults and derived-value rules as args.cpp's Args::parse:
// jobs defaults to the number of host CPUs, binary_argv[0] is the binary
// path itself, and an empty basic-blocks path is derived from the binary's
// base name.
func Parse(argv []string) (*Args, error) {
	fs := flag.NewFlagSet("hyperfuzz", flag.ContinueOnError)

	a := &Args{}
	var memory string
	var memoryFiles stringList

	fs.IntVar(&a.Jobs, "jobs", runtime.NumCPU(), "number of threads to use")
	fs.StringVar(&memory, "memory", "8M", "virtual machine memory limit")
	fs.StringVar(&a.KernelPath, "kernel", "./kernel/kernel", "kernel path")
	fs.StringVar(&a.InputDir, "input", "./corpus", "input folder (initial corpus)")
	fs.StringVar(&a.OutputDir, "output", "./crashes", "output folder (crashes)")
	fs.Var(&memoryFiles, "file", "memory-loaded file for the target; may be repeated")
	fs.StringVar(&a.BasicBlocksPath, "basic-blocks", "", "path to file containing a list of basic blocks for code coverage")
	fs.BoolVar(&a.Debug, "debug", false, "enable verbose logging")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}

	positional := fs.Args()
	if len(positional) == 0 {
		return nil, fmt.Errorf("config: missing required binary path (positional argument)")
	}
	a.BinaryPath = positional[0]
	a.BinaryArgv = append([]string{a.BinaryPath}, positional[1:]...)
	a.MemoryFiles = []string(memoryFiles)

	mem, err := ParseMemorySize(memory)
	if err != nil {
		return nil, fmt.Errorf("config: -memory: %w", err)
	}
	a.Memory = mem

	if a.BasicBlocksPath == "" {
		a.BasicBlocksPath = "./basic_blocks_" + filepath.Base(a.BinaryPath) + ".txt"
	}

	return a, nil
}

// ParseMemorySize parses a size string with an optional K/M/G suffix
// (binary multiples, 1024-based) into a byte count, reproducing
// args.cpp's parse_memory exactly including its fallthrough multiplier
// chain (a "G" suffix multiplies by 1024 three times).
func ParseMemorySize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty memory size")
	}

	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9') {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("invalid memory size %q", s)
	}
	value, err := strconv.ParseUint(s[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %w", s, err)
	}

	if i == len(s) {
		return value, nil
	}
	if i != len(s)-1 {
		return 0, fmt.Errorf("invalid memory size %q: trailing characters", s)
	}

	switch s[i] {
	case 'G':
		value *= 1024
		fallthrough
	case 'M':
		value *= 1024
		fallthrough
	case 'K':
		value *= 1024
	default:
		return 0, fmt.Errorf("invalid memory size %q: unknown suffix %q", s, s[i])
	}
	return value, nil
}

// stringList implements flag.Value to collect repeated -file flags.
type stringList []string

func (l *stringList) String() string { return fmt.Sprint([]string(*l)) }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}
