// Command hyperfuzz drives a single fuzzing-harness run: parse arguments,
// construct the VM, run one input through the guest, and report what
// happened. Its shape is grounded on original_source/src/main.cpp's
// init_kvm/construct/dump_regs/run/dump_regs sequence; the teacher repo
// ships no command of its own (core_engine is library-only), so this
// entrypoint is new, built in the teacher's logging idiom.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"hyperfuzz/internal/config"
	"hyperfuzz/internal/fault"
	"hyperfuzz/internal/vmm"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("hyperfuzz: %v", err)
	}
}

func run() error {
	args, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	crashSink := newFileCrashSink(args.OutputDir)
	coverageSink := newBlockCounter()
	syscallSink := newSyscallLog()

	vm, err := vmm.New(args, crashSink, coverageSink, syscallSink)
	if err != nil {
		return fmt.Errorf("construct vm: %w", err)
	}
	defer vm.Close()

	input, err := loadInitialInput(args.InputDir)
	if err != nil {
		return fmt.Errorf("load initial input: %w", err)
	}

	fmt.Println("[BEFORE RUNNING]")
	if regs, err := vm.DumpRegs(); err == nil {
		fmt.Print(regs)
	}
	fmt.Println()

	runErr := vm.Run(input)

	fmt.Println("[AFTER RUNNING]")
	if regs, err := vm.DumpRegs(); err == nil {
		fmt.Print(regs)
	}
	fmt.Println()

	if runErr != nil {
		log.Printf("hyperfuzz: run ended: %v", runErr)
	}
	log.Printf("hyperfuzz: %d crash(es) recorded, %d unique basic block(s) seen",
		crashSink.count, len(coverageSink.seen))
	return nil
}

// loadInitialInput reads the first regular file in dir (lexical order) as
// the input fed to the guest, or returns an empty input if dir has none —
// corpus scheduling itself stays out-of-core (spec.md §1).
func loadInitialInput(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			return os.ReadFile(filepath.Join(dir, e.Name()))
		}
	}
	return nil, nil
}

// fileCrashSink persists every reported fault as a small text report under
// outputDir, named after the faulting rip and a monotonic counter so
// repeated faults at the same address don't overwrite each other.
type fileCrashSink struct {
	outputDir string
	count     int
}

func newFileCrashSink(outputDir string) *fileCrashSink {
	return &fileCrashSink{outputDir: outputDir}
}

func (s *fileCrashSink) OnFault(info fault.Info, input []byte) {
	s.count++
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		log.Printf("hyperfuzz: crash sink: %v", err)
		return
	}

	name := fmt.Sprintf("crash-%04d-%016x.txt", s.count, info.RIP)
	path := filepath.Join(s.outputDir, name)
	report := fmt.Sprintf("type: %s\nrip: %#x\nfault_addr: %#x\ninput: %x\n",
		info.Type, info.RIP, info.FaultAddr, input)
	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		log.Printf("hyperfuzz: crash sink: write %s: %v", path, err)
	}
}

// blockCounter tracks the set of distinct basic-block identifiers seen
// across a run. Nothing in the guest kernel stub emits coverage yet (spec.md
// §9: no instrumentation ships with it), so this sink's role today is to be
// a well-formed home for one once the guest side reports basic blocks.
type blockCounter struct {
	seen map[uint64]struct{}
}

func newBlockCounter() *blockCounter {
	return &blockCounter{seen: make(map[uint64]struct{})}
}

func (b *blockCounter) OnBasicBlock(id uint64) {
	b.seen[id] = struct{}{}
}

// syscallLog prints every syscall the guest's LSTAR trampoline forwards,
// the only visibility this harness has into what the target does between
// faults (spec.md §9 Guest ABI).
type syscallLog struct{}

func newSyscallLog() *syscallLog { return &syscallLog{} }

func (syscallLog) OnSyscall(info vmm.SyscallInfo) {
	log.Printf("hyperfuzz: syscall %d(%#x, %#x, %#x, %#x, %#x, %#x)",
		info.Number, info.Args[0], info.Args[1], info.Args[2], info.Args[3], info.Args[4], info.Args[5])
}
