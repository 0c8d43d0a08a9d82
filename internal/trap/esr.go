// Package trap implements the trap/syscall dispatcher (spec.md §4.8):
// ESR syndrome decode, SVC routing to the syscall table, page-fault
// routing to PROC, and the BRK debug prompt. Grounded on biscuit's
// apic/chentry.go for the idiom of a small dispatch table keyed by
// trap source, generalized from biscuit's x86_64 interrupt-vector/IDT
// model down to the spec's ARMv8 ESR-syndrome decode and its much
// smaller synchronous-exception table.
package trap

// SourceKind distinguishes a synchronous exception from an IRQ
// (spec.md §4.8: the low-level vectors populate an Info{source, kind}).
type SourceKind int

const (
	SourceSync SourceKind = iota
	SourceIRQ
)

// Info is what the assembly trap vectors hand the dispatcher before
// the ESR value and TrapFrame (spec.md §4.8).
type Info struct {
	Source SourceKind
}

// ESR Exception Class values relevant to this kernel (ARMv8-A ARM
// D13.2.37, "ESR_EL1, Exception Syndrome Register").
const (
	ecBRK64  = 0x3C // BRK instruction execution in AArch64 state
	ecSVC64  = 0x15 // SVC instruction execution in AArch64 state
	ecIabtLo = 0x20 // Instruction Abort from a lower Exception level
	ecDabtLo = 0x24 // Data Abort from a lower Exception level
)

// DFSC/IFSC values (ESR ISS bits [5:0]) this kernel distinguishes.
const faultTranslationL3 = 0b000111 // translation fault, level 3

// DecodeESR splits esr into its Exception Class (bits[31:26]) and
// Instruction Specific Syndrome (bits[24:0]).
func DecodeESR(esr uint64) (ec uint8, iss uint32) {
	ec = uint8((esr >> 26) & 0x3F)
	iss = uint32(esr & 0x1FFFFFF)
	return
}

// Kind classifies a decoded synchronous exception into the categories
// the dispatcher branches on (spec.md §4.8).
type Kind int

const (
	KindBrk Kind = iota
	KindSvc
	KindPageFault
	KindOther
)

// ClassifySync maps a decoded ESR to a dispatch Kind. immediate is the
// SVC/BRK immediate value (the comment/#imm operand), valid only when
// Kind is KindBrk or KindSvc.
func ClassifySync(esr uint64) (kind Kind, immediate uint16) {
	ec, iss := DecodeESR(esr)
	switch ec {
	case ecBRK64:
		return KindBrk, uint16(iss & 0xFFFF)
	case ecSVC64:
		return KindSvc, uint16(iss & 0xFFFF)
	case ecIabtLo, ecDabtLo:
		if iss&0x3F == faultTranslationL3 {
			return KindPageFault, 0
		}
		return KindOther, 0
	default:
		return KindOther, 0
	}
}
