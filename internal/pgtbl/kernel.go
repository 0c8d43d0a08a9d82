package pgtbl

import "wafer/internal/kconfig"

// KernelTable is the single identity-mapped table built once at boot
// (spec.md §4.6): it maps all of RAM kernel-R/W and the MMIO window
// device-strongly-ordered, and its base address is what gets
// programmed into TTBR0. Because the mapping is a pure identity map,
// we don't need a live L3 tree to answer queries against it — two
// range checks (ContainsRAM, ContainsMMIO) answer them.
type KernelTable struct {
	ramStart, ramEnd uintptr
	ioStart, ioEnd   uintptr
	// base is an opaque token representing the table's physical base
	// address as it would be written to TTBR0. It has no behavior of
	// its own beyond identity — the real MMU binding lives in the
	// bootloader/runtime collaborator this package does not respecify
	// (spec.md §1).
	base uintptr
}

// NewKernelTable builds the kernel identity map over [ramStart, ramEnd)
// using the Raspberry Pi 3 MMIO window from internal/kconfig.
func NewKernelTable(ramStart, ramEnd uintptr) *KernelTable {
	return &KernelTable{
		ramStart: ramStart,
		ramEnd:   ramEnd,
		ioStart:  kconfig.IOBase,
		ioEnd:    kconfig.IOBaseEnd,
		base:     ramStart,
	}
}

// TTBR0 returns the table's base address for programming into TTBR0.
func (k *KernelTable) TTBR0() uintptr { return k.base }

// ContainsRAM reports whether pa falls in the identity-mapped RAM
// window.
func (k *KernelTable) ContainsRAM(pa uintptr) bool {
	return pa >= k.ramStart && pa < k.ramEnd
}

// ContainsMMIO reports whether pa falls in the identity-mapped MMIO
// window.
func (k *KernelTable) ContainsMMIO(pa uintptr) bool {
	return pa >= k.ioStart && pa < k.ioEnd
}
