// Package pgtbl implements PT (spec.md §4.6): two-level (L2→L3) ARMv8
// page tables. It is grounded on biscuit's vm package for the idiom of
// a Vm_t-style address space wrapping a raw page-table memory region,
// adapted from biscuit's 4-level x86_64 COW tables down to the
// spec's simpler two-level, no-COW ARMv8 layout — fork here deep
// copies pages rather than sharing them read-only, because spec.md
// §4.6 specifies exactly that and the system has no reclaim pressure
// mechanism (no swap) that would make COW pay for itself.
package pgtbl

import (
	"unsafe"

	"wafer/internal/errs"
	"wafer/internal/kconfig"
	"wafer/internal/klog"
)

var log = klog.For("pgtbl")

// Perm is a page permission set, a subset of {Read, Write, Exec}.
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
)

// Entry bit layout for an L3Entry (spec.md §3): VALID, TYPE=Page,
// ADDR[47:16], AP, AF, ATTR, SH.
const (
	entryValid    = 1 << 0
	entryTypePage = 1 << 1
	entryAF       = 1 << 10 // access flag
	entryAPUserRW = 1 << 6  // AP[1]=1 (EL0 access), AP[2] unset = RW
	entryAPUserRO = 1<<6 | 1<<7
	entrySHInner  = 0b11 << 8
	entrySHOuter  = 0b10 << 8
	entryAttrMem  = 0 << 2 // MAIR index 0: normal memory
	entryAttrDev  = 1 << 2 // MAIR index 1: device-nGnRE
	entryAddrMask = 0x0000FFFFFFFF0000
)

// PageAllocator is the page-granularity physical source PT draws from;
// it is satisfied by an adapter over internal/halloc.Heap (see
// HeapPages in pages.go). Abstracting it keeps this package free of a
// hard dependency on how physical pages are actually backed.
type PageAllocator interface {
	AllocPage() (page []byte, phys uintptr, ok bool)
	FreePage(phys uintptr)
}

// l3Table holds kconfig.PageSize/8 64-bit entries, one per 64 KiB page
// in its 512 MiB span.
type l3Table struct {
	entries []uint64 // len == 1<<kconfig.L3Bits
	phys    uintptr
}

const l3Entries = 1 << kconfig.L3Bits

func newL3Table(alloc PageAllocator) (*l3Table, bool) {
	// An L3 table needs 8 bytes * 8192 entries = 64 KiB: exactly one page.
	raw, phys, ok := alloc.AllocPage()
	if !ok {
		return nil, false
	}
	t := &l3Table{phys: phys}
	t.entries = bytesToU64Slice(raw)
	return t, true
}

func bytesToU64Slice(b []byte) []uint64 {
	if len(b)%8 != 0 {
		panic("pgtbl: page not a multiple of 8 bytes")
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/8)
}

// decode splits a virtual address into its L2 and L3 indices per
// spec.md §4.6: L2_index = bits[41:29], L3_index = bits[28:16].
func decode(va uintptr) (l2idx, l3idx int) {
	l2idx = int((va >> kconfig.L2IndexShift) & ((1 << kconfig.L2Bits) - 1))
	l3idx = int((va >> kconfig.L3IndexShift) & ((1 << kconfig.L3Bits) - 1))
	return
}

// Table is a page table: one (conceptual) L2 table with two populated
// entries, each pointing at an L3 table, covering 1 GiB of VA space —
// spec.md §4.6 restricts L2_index to {0, 1}.
type Table struct {
	alloc PageAllocator
	l3    [2]*l3Table // indexed by l2idx; nil until faulted/alloc'd
	pages map[uintptr][]byte
}

// New creates an empty Table backed by alloc.
func New(alloc PageAllocator) *Table {
	return &Table{alloc: alloc, pages: make(map[uintptr][]byte)}
}

func permBits(p Perm) uint64 {
	bits := uint64(entryValid | entryTypePage | entryAF | entrySHInner | entryAttrMem)
	if p&PermW == 0 {
		bits |= entryAPUserRO
	} else {
		bits |= entryAPUserRW
	}
	return bits
}

func (t *Table) l3For(l2idx int, create bool) (*l3Table, error) {
	if l2idx != 0 && l2idx != 1 {
		return nil, errs.New(errs.KindInvalidInput, "pgtbl: L2 index out of the 1 GiB window")
	}
	if t.l3[l2idx] == nil {
		if !create {
			return nil, nil
		}
		l3, ok := newL3Table(t.alloc)
		if !ok {
			return nil, errs.New(errs.KindOOM, "pgtbl: no page for L3 table")
		}
		t.l3[l2idx] = l3
	}
	return t.l3[l2idx], nil
}

// Alloc maps va (which must be >= kconfig.USERMIN) to a freshly
// allocated, zeroed 64 KiB page with the given permissions. It fails
// loudly (panics) if va is already mapped — spec.md §4.6 — since that
// indicates the caller's bookkeeping of its own address space is
// already wrong. It returns the backing slice for initialization.
func (t *Table) Alloc(va uintptr, perm Perm) ([]byte, error) {
	if va < kconfig.USERMIN {
		return nil, errs.New(errs.KindInvalidInput, "pgtbl: va below USERMIN")
	}
	va = va &^ uintptr(kconfig.PageOffsetMask)
	l2idx, l3idx := decode(va)
	l3, err := t.l3For(l2idx, true)
	if err != nil {
		return nil, err
	}
	if l3.entries[l3idx]&entryValid != 0 {
		log.Warningf("double-alloc at va=%#x", va)
		panic("pgtbl: Alloc of an already-mapped page")
	}
	page, phys, ok := t.alloc.AllocPage()
	if !ok {
		return nil, errs.New(errs.KindOOM, "pgtbl: no free page")
	}
	l3.entries[l3idx] = uint64(phys)&entryAddrMask | permBits(perm)
	t.pages[va] = page
	return page, nil
}

// TryAlloc returns the page already mapped at va, or allocates and
// maps a fresh one if none exists (spec.md §4.7, used by exec so
// already-mapped regions of the old image are reused).
func (t *Table) TryAlloc(va uintptr, perm Perm) ([]byte, error) {
	va = va &^ uintptr(kconfig.PageOffsetMask)
	if page, ok := t.pages[va]; ok {
		return page, nil
	}
	return t.Alloc(va, perm)
}

// Lookup returns the backing page for va and whether it is mapped.
func (t *Table) Lookup(va uintptr) ([]byte, bool) {
	va = va &^ uintptr(kconfig.PageOffsetMask)
	p, ok := t.pages[va]
	return p, ok
}

// Unmap removes the mapping at va and frees its backing page, if any.
func (t *Table) Unmap(va uintptr) {
	va = va &^ uintptr(kconfig.PageOffsetMask)
	l2idx, l3idx := decode(va)
	l3 := t.l3[l2idx]
	if l3 == nil {
		return
	}
	entry := l3.entries[l3idx]
	if entry&entryValid == 0 {
		return
	}
	t.alloc.FreePage(uintptr(entry & entryAddrMask))
	l3.entries[l3idx] = 0
	delete(t.pages, va)
}

// Duplicate creates a new Table and deep-copies every mapped user page
// (spec.md §4.6 — no copy-on-write in this design).
func (t *Table) Duplicate() (*Table, error) {
	nt := New(t.alloc)
	for va, src := range t.pages {
		l2idx, _ := decode(va)
		perm := PermR | PermW
		if t.l3[l2idx].entries[(va>>kconfig.L3IndexShift)&((1<<kconfig.L3Bits)-1)]&entryAPUserRW == 0 {
			perm = PermR
		}
		dst, err := nt.Alloc(va, perm)
		if err != nil {
			nt.Drop()
			return nil, err
		}
		copy(dst, src)
	}
	return nt, nil
}

// Drop frees every backing page mapped by this table. Called when a
// process's address space is torn down.
func (t *Table) Drop() {
	for va := range t.pages {
		t.Unmap(va)
	}
	for i, l3 := range t.l3 {
		if l3 != nil {
			t.alloc.FreePage(l3.phys)
			t.l3[i] = nil
		}
	}
}

// HighestMapped returns the highest mapped virtual address, used to
// track a process's last_page watermark (spec.md §4.7).
func (t *Table) HighestMapped() uintptr {
	var max uintptr
	for va := range t.pages {
		if va > max {
			max = va
		}
	}
	return max
}
