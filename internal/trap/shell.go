package trap

import (
	"fmt"
	"strings"

	"github.com/ianlancetaylor/demangle"
	"golang.org/x/arch/arm64/arm64asm"

	"wafer/internal/proc"
)

// ShellFunc is invoked for every BRK trap; cmd/kernel wires this to an
// interactive prompt reading command lines off the console and handing
// them to a Shell (spec.md §4.8 Brk: "enter an in-kernel shell
// prompt").
type ShellFunc func(tf *proc.TrapFrame)

// CodeFetcher returns the raw instruction bytes backing a virtual
// address, used by `bt` to disassemble a few instructions at ELR.
type CodeFetcher func(va uint64) ([]byte, error)

// SymbolTable resolves a virtual address to its (possibly mangled)
// symbol name, as loaded from the kernel image's symbol table.
type SymbolTable interface {
	Lookup(va uint64) (name string, ok bool)
}

// Shell implements the BRK debug prompt's regs/bt/syms commands
// (spec.md §4.8 Brk). Grounded on biscuit's caller package for the
// idiom of a small symbolizing stack walker, extended with real
// disassembly (golang.org/x/arch/arm64/arm64asm) and demangling of
// whatever symbol convention the loaded user image happens to use
// (github.com/ianlancetaylor/demangle handles both Itanium C++ and
// Rust v0 mangling, either of which a cross-compiled target image
// might carry).
type Shell struct {
	Code CodeFetcher
	Syms SymbolTable
}

// Execute runs one command line against the trapped frame and returns
// its textual output.
func (s *Shell) Execute(line string, tf *proc.TrapFrame) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	switch fields[0] {
	case "regs":
		return s.regs(tf)
	case "bt":
		return s.backtrace(tf)
	case "syms":
		if len(fields) < 2 {
			return "usage: syms <0xADDR>"
		}
		return s.syms(fields[1])
	default:
		return fmt.Sprintf("unknown command %q (try regs, bt, syms)", fields[0])
	}
}

func (s *Shell) regs(tf *proc.TrapFrame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "elr=%#016x sp=%#016x spsr=%#x ttbr0=%#x ttbr1=%#x\n",
		tf.ELR, tf.SP, tf.SPSR, tf.TTBR0, tf.TTBR1)
	for i := range tf.X {
		fmt.Fprintf(&b, "x%-2d=%#016x ", i, tf.X[i])
		if i%4 == 3 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// backtrace symbolizes the current frame's ELR and, if a CodeFetcher
// is wired, disassembles a short run of instructions starting there.
func (s *Shell) backtrace(tf *proc.TrapFrame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#0 %#016x %s\n", tf.ELR, s.symbolize(tf.ELR))

	if s.Code == nil {
		return b.String()
	}
	code, err := s.Code(tf.ELR)
	if err != nil {
		fmt.Fprintf(&b, "  <no code mapped at %#x: %v>\n", tf.ELR, err)
		return b.String()
	}
	for off := 0; off+4 <= len(code) && off < 16; off += 4 {
		inst, err := arm64asm.Decode(code[off : off+4])
		if err != nil {
			fmt.Fprintf(&b, "  %#016x  <bad instruction>\n", tf.ELR+uint64(off))
			continue
		}
		fmt.Fprintf(&b, "  %#016x  %s\n", tf.ELR+uint64(off), inst.String())
	}
	return b.String()
}

func (s *Shell) syms(query string) string {
	if s.Syms == nil {
		return "no symbol table loaded"
	}
	var va uint64
	if _, err := fmt.Sscanf(query, "0x%x", &va); err != nil {
		return fmt.Sprintf("syms: %q is not a 0x-prefixed address", query)
	}
	return s.symbolize(va)
}

func (s *Shell) symbolize(va uint64) string {
	if s.Syms == nil {
		return "???"
	}
	name, ok := s.Syms.Lookup(va)
	if !ok {
		return fmt.Sprintf("<no symbol at %#x>", va)
	}
	return demangle.Filter(name)
}
