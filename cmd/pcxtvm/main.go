// Command pcxtvm boots an unmodified real-mode PC/XT BIOS (or a raw
// program image) on top of a KVM-backed PIC/PIT/DMA/FDC/platform-latch
// device model.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/codex-vm/pcxt-hv/internal/vm"
)

const defaultBIOS = "ami_8088_bios_31jan89.bin"
const biosFallback = "ivt.fw"

// isBIOSFile reports whether name looks like a firmware image by
// extension (".bin" or ".fw"), matching the original loader's heuristic
// for disambiguating the single positional-argument case.
func isBIOSFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".bin") || strings.HasSuffix(lower, ".fw")
}

// resolveArgs applies the same one-argument/two-argument heuristic as the
// original CLI: two positional args are program then BIOS; one is the
// BIOS if it looks like a firmware image, else a program run against the
// default BIOS.
func resolveArgs(args []string) (program, bios string) {
	bios = defaultBIOS
	switch len(args) {
	case 0:
	case 1:
		if isBIOSFile(args[0]) {
			bios = args[0]
		} else {
			program = args[0]
		}
	default:
		program = args[0]
		bios = args[1]
	}
	return program, bios
}

// resolveBIOSPath falls back to ivt.fw only when the caller is about to
// load the literal default BIOS name and it isn't present, matching the
// original loader's narrower fallback (an explicitly named BIOS that's
// missing is just an error).
func resolveBIOSPath(bios string) string {
	if bios != defaultBIOS {
		return bios
	}
	if _, err := os.Stat(bios); err == nil {
		return bios
	}
	if _, err := os.Stat(biosFallback); err == nil {
		return biosFallback
	}
	return bios
}

func main() {
	memSize := flag.Uint64("mem", 0, "guest memory size in bytes (defaults to 1 MiB; this platform has no use for more)")
	debug := flag.Bool("debug", false, "enable verbose device and port-trace logging")
	floppy := flag.String("floppy", "", "raw floppy image to attach to the FDC")
	flag.Parse()

	program, biosArg := resolveArgs(flag.Args())
	biosPath := resolveBIOSPath(biosArg)

	if err := run(*memSize, *debug, biosPath, program, *floppy); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(memSize uint64, debug bool, biosPath, programPath, floppyPath string) error {
	machine, err := vm.NewVirtualMachine(memSize, debug)
	if err != nil {
		return fmt.Errorf("failed to initialize virtual machine: %w", err)
	}
	defer machine.Close()

	if err := machine.LoadBIOS(biosPath); err != nil {
		return fmt.Errorf("failed to load BIOS: %w", err)
	}

	if programPath != "" {
		if err := machine.LoadProgram(programPath); err != nil {
			log.Printf("warning: failed to load program %s: %v", programPath, err)
		}
	}

	if floppyPath != "" {
		if err := machine.LoadFloppy(floppyPath); err != nil {
			log.Printf("warning: failed to attach floppy %s: %v", floppyPath, err)
		}
	}

	return machine.Run()
}
