// Package diag carries the loader's narration and diverging-exit surface:
// leveled event printing, hexdumps of measured regions, an optional x86
// disassembly sanity check of the entry point, and the reboot/terminate
// operations a failed launch falls back to. None of it is safety-critical;
// all of it is swappable for tests.
package diag

import (
	"fmt"
	"io"
	"log"
	"os"

	"golang.org/x/arch/x86/x86asm"
)

// Level names a narration severity, mirroring the informal print()/
// print("...failed...") split the original loader makes by message text
// alone.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Out is where Eventf and Hexdump write to. Tests redirect it to a buffer.
var Out io.Writer = os.Stderr

// Eventf narrates one step of the launch sequence at the given level.
func Eventf(level Level, format string, args ...interface{}) {
	fmt.Fprintf(Out, "[%s] %s\n", level, fmt.Sprintf(format, args...))
}

// Hexdump writes a labeled hex/ASCII dump of data, sixteen bytes per line,
// the same shape main.c's hexdump() calls produce around dlme_entry,
// dlme_arg and the SLB base.
func Hexdump(label string, data []byte) {
	fmt.Fprintf(Out, "%s:\n", label)

	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}

		line := data[off:end]

		fmt.Fprintf(Out, "%08x  ", off)

		for i := 0; i < 16; i++ {
			if i < len(line) {
				fmt.Fprintf(Out, "%02x ", line[i])
			} else {
				fmt.Fprint(Out, "   ")
			}

			if i == 7 {
				fmt.Fprint(Out, " ")
			}
		}

		fmt.Fprint(Out, " |")

		for _, b := range line {
			if b >= 0x20 && b < 0x7f {
				fmt.Fprintf(Out, "%c", b)
			} else {
				fmt.Fprint(Out, ".")
			}
		}

		fmt.Fprint(Out, "|\n")
	}
}

// Disasm decodes and formats the single 64-bit instruction at the start of
// code, for a sanity check of the DLME entry point before handing control
// to it. It is diagnostic only: a decode failure is reported, never fatal.
func Disasm(code []byte, pc uint64) (string, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "", fmt.Errorf("diag: decode at %#x: %w", pc, err)
	}

	return x86asm.GNUSyntax(inst, pc, nil), nil
}

// exit is the process-terminating primitive Reboot and Terminate funnel
// through; tests replace it to observe the call instead of killing the
// test binary.
var exit = os.Exit

// SetExitForTest overrides the exit primitive and returns a restore func.
func SetExitForTest(fn func(code int)) func() {
	old := exit
	exit = fn

	return func() { exit = old }
}

// Reboot narrates a reboot and then diverges, standing in for the
// original's reboot()'s die()/unreachable() pair: there is no return from
// a bad bootloader handoff.
func Reboot() {
	Eventf(LevelError, "rebooting now")
	log.Println("reboot requested")
	exit(1)
}

// Terminate narrates a fatal condition with reason and diverges with the
// given status code.
func Terminate(status int, reason string) {
	Eventf(LevelError, "%s", reason)
	log.Println(reason)
	exit(status)
}
