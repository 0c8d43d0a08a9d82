package trap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"wafer/internal/halloc"
	"wafer/internal/kconfig"
	"wafer/internal/pgtbl"
	"wafer/internal/proc"
)

func newMappedProcess(t *testing.T) *proc.Process {
	t.Helper()
	buf := make([]byte, 8*1024*1024)
	h := halloc.NewHeap(buf)
	p := proc.New(pgtbl.HeapPages{Heap: h})
	require.NoError(t, p.Load(make([]byte, 16), 0))
	return p
}

func TestReadWriteUserBytesRoundTrips(t *testing.T) {
	p := newMappedProcess(t)
	va := uintptr(kconfig.USERStackBase + 100)
	want := []byte("hello kernel")

	require.NoError(t, writeUserBytes(p, va, want))
	got, err := readUserBytes(p, va, len(want))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestReadUserBytesCrossesPageBoundary(t *testing.T) {
	p := newMappedProcess(t)
	// Map the page just below the code page, then straddle the boundary
	// between it and the code page at USERIMGBase.
	_, err := p.PT.Alloc(kconfig.USERIMGBase-kconfig.PageSize, pgtbl.PermR|pgtbl.PermW)
	require.NoError(t, err)
	va := uintptr(kconfig.USERIMGBase - 3)
	want := []byte{1, 2, 3, 4, 5, 6}

	require.NoError(t, writeUserBytes(p, va, want))
	got, err := readUserBytes(p, va, len(want))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestReadUserBytesUnmappedAddressErrors(t *testing.T) {
	p := newMappedProcess(t)
	_, err := readUserBytes(p, 0x2000_0000_0000, 8)
	require.Error(t, err)
}

func TestReadUserStringStopsAtNUL(t *testing.T) {
	p := newMappedProcess(t)
	va := uintptr(kconfig.USERStackBase + 200)
	require.NoError(t, writeUserBytes(p, va, []byte("/bin/sh\x00trailing garbage")))

	s, err := readUserString(p, va)
	require.NoError(t, err)
	require.Equal(t, "/bin/sh", s)
}

func TestReadUserArgvStopsAtZeroEntry(t *testing.T) {
	p := newMappedProcess(t)
	hdrBase := uintptr(kconfig.USERStackBase + 300)
	dataBase := uintptr(kconfig.USERStackBase + 400)

	args := []string{"one", "two"}
	off := dataBase
	for i, a := range args {
		var hdr [16]byte
		putU64(hdr[0:8], uint64(len(a)))
		putU64(hdr[8:16], uint64(off))
		require.NoError(t, writeUserBytes(p, hdrBase+uintptr(i*16), hdr[:]))
		require.NoError(t, writeUserBytes(p, off, []byte(a)))
		off += uintptr(len(a))
	}
	// Zero terminator entry.
	var zero [16]byte
	require.NoError(t, writeUserBytes(p, hdrBase+uintptr(len(args)*16), zero[:]))

	got, err := readUserArgv(p, hdrBase)
	require.NoError(t, err)
	require.Equal(t, args, got)
}
