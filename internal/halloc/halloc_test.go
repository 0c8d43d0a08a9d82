package halloc

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T, size int) *Heap {
	t.Helper()
	buf := make([]byte, size)
	return NewHeap(buf)
}

func TestAllocReturnsAlignedNonOverlapping(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	type live struct {
		ptr  uintptr
		size int
	}
	var liveSet []live
	aligns := []uintptr{8, 16, 64, 4096}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 256; i++ {
		size := rng.Intn(4096) + 1
		align := aligns[rng.Intn(len(aligns))]
		p, ok := h.Alloc(size, align)
		if !ok {
			continue
		}
		addr := uintptr(p)
		require.Zero(t, addr%align)
		for _, l := range liveSet {
			overlap := addr < l.ptr+uintptr(l.size) && l.ptr < addr+uintptr(size)
			require.False(t, overlap, "allocation overlap")
		}
		liveSet = append(liveSet, live{addr, size})
	}
	require.NotEmpty(t, liveSet)
}

func TestDeallocCoalescesToSingleFreeBlock(t *testing.T) {
	h := newTestHeap(t, 1<<16)
	before := h.Stats()

	var ptrs []unsafe.Pointer
	var sizes []int
	for i := 0; i < 20; i++ {
		size := 16 * (i + 1)
		p, ok := h.Alloc(size, 8)
		require.True(t, ok)
		ptrs = append(ptrs, p)
		sizes = append(sizes, size)
	}
	for i := len(ptrs) - 1; i >= 0; i-- {
		h.Dealloc(ptrs[i], sizes[i], 8)
	}

	after := h.Stats()
	require.Equal(t, 1, after.FreeCount)
	require.Equal(t, 0, after.LiveCount)
	require.Equal(t, before.FreeBytes, after.FreeBytes)
}

func TestSplitPreservesTotalSize(t *testing.T) {
	h := newTestHeap(t, 1<<16)
	st := h.Stats()
	require.Equal(t, 1, st.FreeCount)
	original := st.FreeBytes

	p, ok := h.Alloc(64, 8)
	require.True(t, ok)
	defer h.Dealloc(p, 64, 8)

	after := h.Stats()
	// original == live + free, modulo the header/footer overhead the
	// split introduced, which Stats() doesn't count against either
	// bucket's size field (it reports payload sizes only).
	require.Less(t, after.FreeBytes, original)
	require.Greater(t, after.LiveBytes, int64(0))
	require.Equal(t, original, after.LiveBytes+after.FreeBytes+metaSize)
}

func TestOOMOnExhaustion(t *testing.T) {
	h := newTestHeap(t, 4096)
	var allocated int
	for {
		_, ok := h.Alloc(64, 8)
		if !ok {
			break
		}
		allocated++
	}
	require.Greater(t, allocated, 0)
	_, ok := h.Alloc(1<<20, 8)
	require.False(t, ok)
}
