package pgtbl

import (
	"unsafe"

	"wafer/internal/halloc"
	"wafer/internal/kconfig"
)

// HeapPages adapts a halloc.Heap into a page-granularity PageAllocator:
// every user page and every L3 table comes out of the same kernel heap
// that backs ordinary kernel allocations (spec.md §5 — "the heap is
// shared by kernel and user code").
type HeapPages struct {
	Heap *halloc.Heap
}

// AllocPage requests one zeroed, page-aligned page from the heap.
func (hp HeapPages) AllocPage() ([]byte, uintptr, bool) {
	ptr, ok := hp.Heap.Alloc(kconfig.PageSize, kconfig.PageSize)
	if !ok {
		return nil, 0, false
	}
	buf := unsafe.Slice((*byte)(ptr), kconfig.PageSize)
	for i := range buf {
		buf[i] = 0
	}
	return buf, uintptr(ptr), true
}

// FreePage returns a page previously handed out by AllocPage to the
// heap.
func (hp HeapPages) FreePage(phys uintptr) {
	hp.Heap.Dealloc(unsafe.Pointer(phys), kconfig.PageSize, kconfig.PageSize)
}
