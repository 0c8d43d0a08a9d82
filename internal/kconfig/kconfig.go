// Package kconfig centralizes the boot-time constants spec.md pins to
// specific numbers, the way biscuit keeps them as package-level
// constants rather than a runtime config file — there is no config
// source more dynamic than the image you booted.
package kconfig

import "time"

const (
	// PageShift is the base-2 exponent of the 64 KiB ARMv8 page used
	// throughout this kernel (spec.md §4.6).
	PageShift = 16
	// PageSize is 1<<PageShift bytes.
	PageSize = 1 << PageShift
	// PageOffsetMask masks the intra-page offset of a virtual address.
	PageOffsetMask = PageSize - 1

	// L2Bits is the width of the L2 index field, bits[41:29].
	L2Bits = 13
	// L3Bits is the width of the L3 index field, bits[28:16].
	L3Bits = 13
	// L2IndexShift is the bit position of the L2 index field.
	L2IndexShift = 29
	// L3IndexShift is the bit position of the L3 index field.
	L3IndexShift = 16

	// USERMIN is the lowest valid user virtual address.
	USERMIN = 0x1000
	// USERIMGBase is where a loaded executable's code pages start.
	USERIMGBase = 0x80000
	// USERStackBase is the top-most page of the (downward growing)
	// user stack.
	USERStackBase = 1<<30 - PageSize
	// USERStackStart is the lowest address the growing-stack page
	// fault heuristic (spec.md §4.7, §9) will back with a fresh page.
	USERStackStart = USERStackBase - 256*PageSize

	// ArgMax is the maximum number of argv entries init_args will pack
	// (spec.md §4.7).
	ArgMax = 32

	// Tick is the timer-IRQ preemption quantum (spec.md §4.7).
	Tick = 10 * time.Millisecond

	// IOBase and IOBaseEnd bound the MMIO region the kernel page table
	// identity-maps device-strongly-ordered (spec.md §4.6). Values
	// match the Raspberry Pi 3 peripheral window.
	IOBase    = 0x3F000000
	IOBaseEnd = 0x40000000
)

// HeapRegion describes the physical RAM window handed to the bin
// allocator at boot.
type HeapRegion struct {
	Start, End uintptr
}
