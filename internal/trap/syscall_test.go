package trap

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/go-restruct/restruct"
	"github.com/stretchr/testify/require"

	"wafer/internal/cache"
	"wafer/internal/fat32"
	"wafer/internal/fdtable"
	"wafer/internal/halloc"
	"wafer/internal/kconfig"
	"wafer/internal/mount"
	"wafer/internal/pgtbl"
	"wafer/internal/proc"
	"wafer/internal/sched"
	"wafer/internal/ustr"
)

// memDisk is a minimal in-memory blockdev.Disk, mirroring the fixture
// internal/mount and internal/fat32 use for their own tests.
type memDisk struct {
	sectorSize int
	sectors    [][]byte
}

func newMemDisk(n, sectorSize int) *memDisk {
	sectors := make([][]byte, n)
	for i := range sectors {
		sectors[i] = make([]byte, sectorSize)
	}
	return &memDisk{sectorSize: sectorSize, sectors: sectors}
}

func (d *memDisk) SectorSize() int { return d.sectorSize }
func (d *memDisk) NumSectors() int { return len(d.sectors) }

func (d *memDisk) ReadSector(n int, buf []byte) error {
	copy(buf, d.sectors[n])
	return nil
}

func (d *memDisk) WriteSector(n int, buf []byte) error {
	copy(d.sectors[n], buf)
	return nil
}

func buildVolume(t *testing.T) *fat32.VFAT {
	t.Helper()
	const (
		sectorSize = 512
		rsvd       = 32
		fatSz      = 1
		dataStart  = rsvd + fatSz
		dataSecs   = 16
		totSec     = dataStart + dataSecs
	)
	disk := newMemDisk(totSec, sectorSize)

	bpb := &fat32.BPB{
		BytesPerSec: sectorSize,
		SecPerClus:  1,
		RsvdSecCnt:  rsvd,
		NumFATs:     1,
		FATSz32:     fatSz,
		RootClus:    2,
		TotSec32:    totSec,
		BootSig:     0x29,
		Signature:   0xAA55,
	}
	raw, err := restruct.Pack(binary.LittleEndian, bpb)
	require.NoError(t, err)
	require.NoError(t, disk.WriteSector(0, raw))

	part, err := cache.Mount(disk, sectorSize)
	require.NoError(t, err)

	v, err := fat32.Mount(part, 0)
	require.NoError(t, err)
	require.NoError(t, v.Flush())
	return v
}

// testEnv wires a full SyscallTable against a single mounted volume and
// one running process, the way the real dispatcher would after Load.
type testEnv struct {
	st      *SyscallTable
	s       *sched.Scheduler
	fdt     *fdtable.Table
	mounts  *mount.Map
	console *fakeConsole
	p       *proc.Process
	tf      proc.TrapFrame
	now     time.Time
}

type fakeConsole struct {
	in  []byte
	out []byte
}

func (c *fakeConsole) ReadByte() (byte, error) {
	if len(c.in) == 0 {
		return 0, errNoInput
	}
	b := c.in[0]
	c.in = c.in[1:]
	return b, nil
}

func (c *fakeConsole) WriteByte(b byte) error {
	c.out = append(c.out, b)
	return nil
}

type testErr string

func (e testErr) Error() string { return string(e) }

var errNoInput = testErr("no input queued")

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fdt := fdtable.New()
	s := sched.New(fdt)
	mounts := mount.NewMap()
	root := buildVolume(t)
	require.NoError(t, mounts.Mount(ustr.Root, root, nil, 0, mount.Options{}))

	console := &fakeConsole{}
	env := &testEnv{s: s, fdt: fdt, mounts: mounts, console: console, now: time.Unix(1000, 0)}
	env.st = NewSyscallTable(s, mounts, fdt, console, func() time.Time { return env.now }, nil)

	buf := make([]byte, 8*1024*1024)
	h := halloc.NewHeap(buf)
	p := proc.New(pgtbl.HeapPages{Heap: h})
	require.NoError(t, p.Load(make([]byte, 16), 0))
	s.Add(p)
	_, ok := s.SwitchTo(&env.tf)
	require.True(t, ok)
	env.p = p
	return env
}

func (e *testEnv) putString(offset uintptr, s string) uintptr {
	va := uintptr(kconfig.USERStackBase) + offset
	if err := writeUserBytes(e.p, va, append([]byte(s), 0)); err != nil {
		panic(err)
	}
	return va
}

func TestHandleGetpidReturnsCurrentPid(t *testing.T) {
	e := newTestEnv(t)
	e.st.Handle(sysGetpid, &e.tf)
	require.EqualValues(t, e.p.Pid, e.tf.X[0])
	require.EqualValues(t, 0, e.tf.X[7])
}

func TestHandleUnknownSyscallSetsErrorStatus(t *testing.T) {
	e := newTestEnv(t)
	e.st.Handle(999, &e.tf)
	require.NotZero(t, e.tf.X[7])
}

func TestHandleSleepZeroWakesImmediatelyWithElapsed(t *testing.T) {
	e := newTestEnv(t)
	e.tf.X[0] = 0
	e.st.Handle(sysSleep, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])
	require.Equal(t, proc.Running, e.p.State())
	require.EqualValues(t, 0, e.tf.X[0]) // the clock is frozen, so 0 ms elapsed
}

func TestHandleRequestPageGrowsBreakAndReturnsPriorValue(t *testing.T) {
	e := newTestEnv(t)
	prior := e.p.LastPage
	e.tf.X[0] = 2
	e.st.Handle(sysRequestPage, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])
	require.EqualValues(t, prior, e.tf.X[0])
	require.Greater(t, e.p.LastPage, prior)
}

func TestHandleTimeReturnsUnixSeconds(t *testing.T) {
	e := newTestEnv(t)
	e.st.Handle(sysTime, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])
	require.EqualValues(t, e.now.Unix(), e.tf.X[0])
}

func TestHandleOutputWritesToConsole(t *testing.T) {
	e := newTestEnv(t)
	e.tf.X[0] = uint64('!')
	e.st.Handle(sysOutput, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])
	require.Equal(t, []byte{'!'}, e.console.out)
}

func TestHandleInputReadsFromConsole(t *testing.T) {
	e := newTestEnv(t)
	e.console.in = []byte{'Q'}
	e.st.Handle(sysInput, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])
	require.EqualValues(t, 'Q', e.tf.X[0])
}

func TestHandleInputWithNoDataReportsError(t *testing.T) {
	e := newTestEnv(t)
	e.st.Handle(sysInput, &e.tf)
	require.NotZero(t, e.tf.X[7])
}

func TestHandleEnvSetThenGetRoundTrips(t *testing.T) {
	e := newTestEnv(t)
	keyVA := e.putString(0, "PATH")
	valVA := e.putString(64, "/bin")
	e.tf.X[0] = uint64(keyVA)
	e.tf.X[1] = uint64(valVA)
	e.st.Handle(sysEnvSet, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])

	outVA := uintptr(kconfig.USERStackBase) + 512
	e.tf.X[0] = uint64(keyVA)
	e.tf.X[1] = uint64(outVA)
	e.st.Handle(sysEnvGet, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])

	got, err := readUserString(e.p, outVA)
	require.NoError(t, err)
	require.Equal(t, "/bin", got)
}

func TestHandleEnvGetMissingKeyReportsNotFound(t *testing.T) {
	e := newTestEnv(t)
	keyVA := e.putString(0, "NOPE")
	e.tf.X[0] = uint64(keyVA)
	e.tf.X[1] = uint64(kconfig.USERStackBase) + 512
	e.st.Handle(sysEnvGet, &e.tf)
	require.NotZero(t, e.tf.X[7])
}

func TestHandleFsCreateOpenWriteReadClose(t *testing.T) {
	e := newTestEnv(t)
	pathVA := e.putString(0, "/hello.txt")

	e.tf.X[0] = uint64(pathVA)
	e.tf.X[1] = 0 // file, not directory
	e.st.Handle(sysFsCreate, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])

	e.tf.X[0] = uint64(pathVA)
	e.st.Handle(sysFsOpen, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])
	fd := e.tf.X[0]

	payloadVA := e.putString(1024, "payload")
	e.tf.X[0] = fd
	e.tf.X[1] = uint64(payloadVA)
	e.tf.X[2] = 7 // len("payload")
	e.st.Handle(sysFileWrite, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])
	require.EqualValues(t, 7, e.tf.X[0])

	e.tf.X[0] = fd
	e.tf.X[1] = 0
	e.tf.X[2] = 0
	e.st.Handle(sysFileSeek, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])

	readBufVA := uintptr(kconfig.USERStackBase) + 2048
	e.tf.X[0] = fd
	e.tf.X[1] = uint64(readBufVA)
	e.tf.X[2] = 7
	e.st.Handle(sysFileRead, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])
	require.EqualValues(t, 7, e.tf.X[0])

	got, err := readUserBytes(e.p, readBufVA, 7)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)

	e.tf.X[0] = fd
	e.st.Handle(sysFsClose, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])
}

func TestHandleFsMetadataReportsSizeAndKind(t *testing.T) {
	e := newTestEnv(t)
	pathVA := e.putString(0, "/meta.txt")
	e.tf.X[0] = uint64(pathVA)
	e.tf.X[1] = 0
	e.st.Handle(sysFsCreate, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])

	e.tf.X[0] = uint64(pathVA)
	e.st.Handle(sysFsOpen, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])
	fd := e.tf.X[0]

	dataVA := e.putString(1024, "abc")
	e.tf.X[0] = fd
	e.tf.X[1] = uint64(dataVA)
	e.tf.X[2] = 3
	e.st.Handle(sysFileWrite, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])

	metaVA := uintptr(kconfig.USERStackBase) + 4096
	e.tf.X[0] = uint64(pathVA)
	e.tf.X[1] = uint64(metaVA)
	e.st.Handle(sysFsMetadata, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])

	buf, err := readUserBytes(e.p, metaVA, 32)
	require.NoError(t, err)
	require.EqualValues(t, 3, u64LE(buf[0:8]))
	require.Zero(t, buf[12])
}

func TestHandleFsDeleteRemovesEntry(t *testing.T) {
	e := newTestEnv(t)
	pathVA := e.putString(0, "/gone.txt")
	e.tf.X[0] = uint64(pathVA)
	e.tf.X[1] = 0
	e.st.Handle(sysFsCreate, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])

	e.tf.X[0] = uint64(pathVA)
	e.st.Handle(sysFsDelete, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])

	e.tf.X[0] = uint64(pathVA)
	e.st.Handle(sysFsOpen, &e.tf)
	require.NotZero(t, e.tf.X[7])
}

func TestHandleDirListReportsCreatedEntries(t *testing.T) {
	e := newTestEnv(t)
	for _, name := range []string{"/a.txt", "/b.txt"} {
		pathVA := e.putString(0, name)
		e.tf.X[0] = uint64(pathVA)
		e.tf.X[1] = 0
		e.st.Handle(sysFsCreate, &e.tf)
		require.EqualValues(t, 0, e.tf.X[7])
	}

	rootVA := e.putString(0, "/")
	outVA := uintptr(kconfig.USERStackBase) + 2048
	e.tf.X[0] = uint64(rootVA)
	e.tf.X[1] = uint64(outVA)
	e.st.Handle(sysDirList, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])
	require.EqualValues(t, 2, e.tf.X[0])
}

func TestHandleFsFlushDelegatesToMounts(t *testing.T) {
	e := newTestEnv(t)
	e.st.Handle(sysFsFlush, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])
}

func TestHandleFsMountIsNotExposedOverSyscallABI(t *testing.T) {
	e := newTestEnv(t)
	e.st.Handle(sysFsMount, &e.tf)
	require.NotZero(t, e.tf.X[7])
}

func TestHandleForkAddsChildWithZeroedX0(t *testing.T) {
	e := newTestEnv(t)
	e.tf.X[0] = 77
	e.st.Handle(sysFork, &e.tf)
	require.EqualValues(t, 0, e.tf.X[7])
	childPid := proc.Pid(e.tf.X[0])
	child := e.s.Find(childPid)
	require.NotNil(t, child)
	require.EqualValues(t, 0, child.Tf.X[0])
}

func TestHandleWaitPidOnUnknownPidErrors(t *testing.T) {
	e := newTestEnv(t)
	e.tf.X[0] = 9999
	e.st.Handle(sysWaitPid, &e.tf)
	require.NotZero(t, e.tf.X[7])
}

func TestHandleNoCurrentProcessReportsNotFound(t *testing.T) {
	e := newTestEnv(t)
	var tf proc.TrapFrame
	tf.TPIDR = 0xFFFFFF
	e.st.Handle(sysGetpid, &tf)
	require.NotZero(t, tf.X[7])
}
