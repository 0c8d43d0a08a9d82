package pgtbl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"wafer/internal/halloc"
	"wafer/internal/kconfig"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	buf := make([]byte, 16*1024*1024)
	h := halloc.NewHeap(buf)
	return New(HeapPages{Heap: h})
}

func TestAllocWritesAreVisibleThroughLookup(t *testing.T) {
	tbl := newTestTable(t)
	va := uintptr(kconfig.USERIMGBase)
	page, err := tbl.Alloc(va, PermR|PermW|PermX)
	require.NoError(t, err)
	page[0] = 0xAB

	got, ok := tbl.Lookup(va)
	require.True(t, ok)
	require.Equal(t, byte(0xAB), got[0])
}

func TestDoubleAllocPanics(t *testing.T) {
	tbl := newTestTable(t)
	va := uintptr(kconfig.USERIMGBase)
	_, err := tbl.Alloc(va, PermR|PermW)
	require.NoError(t, err)

	require.Panics(t, func() {
		tbl.Alloc(va, PermR|PermW)
	})
}

func TestTryAllocReusesExistingPage(t *testing.T) {
	tbl := newTestTable(t)
	va := uintptr(kconfig.USERIMGBase)
	first, err := tbl.Alloc(va, PermR|PermW)
	require.NoError(t, err)
	first[10] = 42

	again, err := tbl.TryAlloc(va, PermR|PermW)
	require.NoError(t, err)
	require.Equal(t, byte(42), again[10])
}

func TestDuplicateDeepCopies(t *testing.T) {
	tbl := newTestTable(t)
	va := uintptr(kconfig.USERIMGBase)
	page, err := tbl.Alloc(va, PermR|PermW)
	require.NoError(t, err)
	page[0] = 7

	dup, err := tbl.Duplicate()
	require.NoError(t, err)
	dupPage, ok := dup.Lookup(va)
	require.True(t, ok)
	require.Equal(t, byte(7), dupPage[0])

	page[0] = 99
	require.Equal(t, byte(7), dupPage[0], "duplicate must not alias the original page")
}

func TestAllocRejectsBelowUsermin(t *testing.T) {
	tbl := newTestTable(t)
	_, err := tbl.Alloc(0, PermR)
	require.Error(t, err)
}
