// Package halloc implements ALLOC (spec.md §4.1): a segregated-fit
// ("bin") allocator over a fixed physical RAM region, grounded on the
// original kern/src/allocator/bin.rs and on biscuit's mem package for
// the idiom of modeling memory as byte-addressed regions manipulated
// through unsafe.Pointer.
//
// Each live or free block carries a header immediately before its data
// and a footer immediately after, both holding a redundant size so
// dealloc can walk to a neighbor without consulting any side table.
// Free blocks of the same size class are chained through a singly
// linked list rooted in the owning bin — removing an interior node
// during coalescing requires a linear scan, exactly as spec.md §4.1
// describes.
package halloc

import (
	"sync"
	"unsafe"

	"wafer/internal/klog"
	"wafer/internal/util"
)

// NumBins is the number of size classes, one per spec.md §3's
// k ∈ [0, 30).
const NumBins = 30

const (
	align8     = 8
	headerSize = 32 // size(8) + free(8) + padding(8) + next(8)
	footerSize = 16 // size(8) + free(8)
	metaSize   = headerSize + footerSize
)

var log = klog.For("halloc")

// Heap is a bin allocator over a single contiguous byte arena. The
// arena's address never moves for the lifetime of the Heap, so
// pointers handed out by Alloc remain valid until Dealloc.
type Heap struct {
	mu   sync.Mutex
	mem  []byte
	base uintptr // address of mem[0]
	bins [NumBins]int64
}

// NewHeap creates a Heap over region, which becomes the allocator's
// exclusively owned backing store (spec.md §3, Ownership). region's
// length must be at least metaSize+8 bytes.
func NewHeap(region []byte) *Heap {
	start := util.RoundUp(uintptr(0), uintptr(align8))
	end := util.RoundDown(uintptr(len(region)), uintptr(align8))
	if end-start < metaSize+8 {
		panic("halloc: region too small")
	}
	h := &Heap{mem: region, base: uintptr(unsafe.Pointer(&region[0]))}
	for i := range h.bins {
		h.bins[i] = -1
	}
	blockSize := int64(end-start) - metaSize
	h.writeHeader(int64(start), blockHeader{size: blockSize, free: true, padding: 0, next: -1})
	h.writeFooter(int64(start)+headerSize+blockSize, blockFooter{size: blockSize, free: true})
	h.binPush(binIndex(uint64(blockSize)), int64(start))
	return h
}

type blockHeader struct {
	size    int64
	free    bool
	padding int64
	next    int64
}

type blockFooter struct {
	size int64
	free bool
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (h *Heap) writeHeader(off int64, hdr blockHeader) {
	b := h.mem[off : off+headerSize]
	putU64(b[0:8], uint64(hdr.size))
	putU64(b[8:16], boolToU64(hdr.free))
	putU64(b[16:24], uint64(hdr.padding))
	putU64(b[24:32], uint64(hdr.next))
}

func (h *Heap) readHeader(off int64) blockHeader {
	b := h.mem[off : off+headerSize]
	return blockHeader{
		size:    int64(getU64(b[0:8])),
		free:    getU64(b[8:16]) != 0,
		padding: int64(getU64(b[16:24])),
		next:    int64(getU64(b[24:32])),
	}
}

func (h *Heap) writeFooter(off int64, f blockFooter) {
	b := h.mem[off : off+footerSize]
	putU64(b[0:8], uint64(f.size))
	putU64(b[8:16], boolToU64(f.free))
}

func (h *Heap) readFooter(off int64) blockFooter {
	b := h.mem[off : off+footerSize]
	return blockFooter{size: int64(getU64(b[0:8])), free: getU64(b[8:16]) != 0}
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// binIndex maps a block size to its size class: bin k covers
// (2^(k+2), 2^(k+3)] bytes (spec.md §3).
func binIndex(size uint64) int {
	if size == 0 {
		return 0
	}
	k := int(util.Log2Ceil(size))
	k -= 3
	if k < 0 {
		k = 0
	}
	if k >= NumBins {
		k = NumBins - 1
	}
	return k
}

func (h *Heap) binPush(bin int, off int64) {
	hdr := h.readHeader(off)
	hdr.next = h.bins[bin]
	h.writeHeader(off, hdr)
	h.bins[bin] = off
}

// binRemove scans bin's free list for off and unlinks it, panicking if
// it is not present — a missing free-list entry means the allocator's
// own bookkeeping has already diverged from the heap it's managing.
func (h *Heap) binRemove(bin int, off int64) {
	cur := h.bins[bin]
	if cur == off {
		h.bins[bin] = h.readHeader(off).next
		return
	}
	for cur != -1 {
		hdr := h.readHeader(cur)
		if hdr.next == off {
			target := h.readHeader(off)
			hdr.next = target.next
			h.writeHeader(cur, hdr)
			return
		}
		cur = hdr.next
	}
	panic("halloc: free block missing from its bin")
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// Alloc reserves size bytes aligned to align (a power of two) and
// returns a pointer to the region, or ok=false on OOM. size must be >0.
func (h *Heap) Alloc(size int, align uintptr) (unsafe.Pointer, bool) {
	if size <= 0 {
		panic("halloc: size must be > 0")
	}
	if !util.IsPow2(uint64(align)) {
		panic("halloc: align must be a power of two")
	}
	want := int64(util.RoundUp(uintptr(size), align8))

	h.mu.Lock()
	defer h.mu.Unlock()

	startBin := binIndex(uint64(want))
	for bin := startBin; bin < NumBins; bin++ {
		for off := h.bins[bin]; off != -1; {
			hdr := h.readHeader(off)
			next := hdr.next
			dataAddr := uintptr(off) + headerSize
			alignedBase := alignUp(h.base+dataAddr, align) - h.base
			padding := int64(alignedBase) - int64(dataAddr)
			if padding >= 0 {
				alignedSize := hdr.size - padding
				if alignedSize >= want {
					h.binRemove(bin, off)
					ptr := h.takeBlock(off, hdr, padding, want)
					return ptr, true
				}
			}
			off = next
		}
	}
	return nil, false
}

// minViable is the smallest remainder worth splitting off as its own
// free block: header + 8 usable bytes + footer.
const minViable = headerSize + 8 + footerSize

func (h *Heap) takeBlock(off int64, hdr blockHeader, padding, want int64) unsafe.Pointer {
	// The header relocates to off+padding (aligned_base minus header
	// size), exactly as bin.rs does, so the data pointer returned here
	// (headerOff+headerSize) is always header-size bytes past the
	// header regardless of padding, and Dealloc never has to guess.
	alignedSize := hdr.size - padding
	remainder := alignedSize - want
	headerOff := off + padding

	if remainder < minViable {
		// Take whole: the caller gets all of alignedSize, not just want.
		h.writeHeader(headerOff, blockHeader{size: alignedSize, free: false, padding: padding, next: -1})
		h.writeFooter(headerOff+headerSize+alignedSize, blockFooter{size: alignedSize, free: false})
	} else {
		h.writeHeader(headerOff, blockHeader{size: want, free: false, padding: padding, next: -1})
		h.writeFooter(headerOff+headerSize+want, blockFooter{size: want, free: false})

		tailOff := headerOff + headerSize + want + footerSize
		tailSize := remainder - footerSize - headerSize
		h.writeHeader(tailOff, blockHeader{size: tailSize, free: true, padding: 0, next: -1})
		h.writeFooter(tailOff+headerSize+tailSize, blockFooter{size: tailSize, free: true})
		h.binPush(binIndex(uint64(tailSize)), tailOff)
	}

	dataAddr := headerOff + headerSize
	return unsafe.Pointer(h.base + uintptr(dataAddr))
}

// Dealloc releases a previously allocated pointer. size and align must
// match the values passed to the corresponding Alloc call.
func (h *Heap) Dealloc(ptr unsafe.Pointer, size int, align uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dataAddr := int64(uintptr(ptr) - h.base)
	// Alloc always relocates the header to headerSize bytes before the
	// data it hands out (see takeBlock), so the header sits exactly
	// here regardless of how much alignment padding was consumed — no
	// guessing required.
	headerOff := dataAddr - headerSize
	hdr := h.readHeader(headerOff)

	ftr := h.readFooter(headerOff + headerSize + hdr.size)
	if hdr.size != ftr.size {
		log.Errorf("heap corruption: header.size=%d footer.size=%d at offset %d", hdr.size, ftr.size, headerOff)
		panic("halloc: header/footer size mismatch — heap corrupted")
	}

	// The block's true start is padding bytes before its header; fold
	// those bytes back into the free block instead of leaking them.
	off := headerOff - hdr.padding
	freeSize := hdr.size + hdr.padding
	hdr = blockHeader{size: freeSize, free: true, padding: 0, next: -1}
	h.writeHeader(off, hdr)
	h.writeFooter(off+headerSize+freeSize, blockFooter{size: freeSize, free: true})

	off, hdr = h.coalesceRight(off, hdr)
	off, hdr = h.coalesceLeft(off, hdr)

	h.binPush(binIndex(uint64(hdr.size)), off)
}

func (h *Heap) coalesceRight(off int64, hdr blockHeader) (int64, blockHeader) {
	rightOff := off + headerSize + hdr.size + footerSize
	if rightOff+headerSize > int64(len(h.mem)) {
		return off, hdr
	}
	rhdr := h.readHeader(rightOff)
	if !rhdr.free {
		return off, hdr
	}
	rftr := h.readFooter(rightOff + headerSize + rhdr.size)
	if rhdr.size != rftr.size {
		return off, hdr
	}
	h.binRemove(binIndex(uint64(rhdr.size)), rightOff)
	hdr.size += footerSize + headerSize + rhdr.size
	h.writeHeader(off, hdr)
	h.writeFooter(off+headerSize+hdr.size, blockFooter{size: hdr.size, free: true})
	return off, hdr
}

func (h *Heap) coalesceLeft(off int64, hdr blockHeader) (int64, blockHeader) {
	leftFooterOff := off - footerSize
	if leftFooterOff < 0 {
		return off, hdr
	}
	lftr := h.readFooter(leftFooterOff)
	if !lftr.free {
		return off, hdr
	}
	leftOff := leftFooterOff - headerSize - lftr.size
	if leftOff < 0 {
		return off, hdr
	}
	lhdr := h.readHeader(leftOff)
	if lhdr.size != lftr.size || lhdr.padding != 0 {
		return off, hdr
	}
	h.binRemove(binIndex(uint64(lhdr.size)), leftOff)
	lhdr.size += footerSize + headerSize + hdr.size
	h.writeHeader(leftOff, lhdr)
	h.writeFooter(leftOff+headerSize+lhdr.size, blockFooter{size: lhdr.size, free: true})
	return leftOff, lhdr
}

// Stat summarizes the heap for diagnostics (spec.md §8 end-to-end
// scenario 6 and the lsblk/df-style debug reporting in internal/diag).
type Stat struct {
	FreeBytes int64
	LiveBytes int64
	FreeCount int
	LiveCount int
}

// Stats walks every block in the arena and totals free vs. live bytes.
func (h *Heap) Stats() Stat {
	h.mu.Lock()
	defer h.mu.Unlock()
	var s Stat
	off := int64(0)
	for off+headerSize+footerSize <= int64(len(h.mem)) {
		hdr := h.readHeader(off)
		if hdr.free {
			s.FreeBytes += hdr.size
			s.FreeCount++
		} else {
			s.LiveBytes += hdr.size
			s.LiveCount++
		}
		off += headerSize + hdr.size + footerSize
	}
	return s
}
