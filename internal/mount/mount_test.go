package mount

import (
	"encoding/binary"
	"testing"

	"github.com/go-restruct/restruct"
	"github.com/stretchr/testify/require"

	"wafer/internal/cache"
	"wafer/internal/fat32"
	"wafer/internal/ustr"
)

// memDisk is a minimal in-memory blockdev.Disk for tests.
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

// buildVolume constructs a tiny single-FAT FAT32 volume, mirroring
// internal/fat32's test fixture, and mounts it at sector 0.
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

func TestMountRootThenRoute(t *testing.T) {
	m := NewMap()
	root := buildVolume(t)
	part, err := cache.Mount(newMemDisk(64, 512), 512)
	require.NoError(t, err)
	require.NoError(t, m.Mount(ustr.Root, root, part, 0, Options{}))

	got, local, err := m.Route(ustr.New("/home/user/file.txt"))
	require.NoError(t, err)
	require.Same(t, root, got)
	require.Equal(t, "/home/user/file.txt", local.String())
}

func TestMountRejectsNonRootFirst(t *testing.T) {
	m := NewMap()
	v := buildVolume(t)
	err := m.Mount(ustr.New("/mnt"), v, nil, 1, Options{})
	require.Error(t, err)
}

func TestMountRejectsDuplicateMountPoint(t *testing.T) {
	m := NewMap()
	v := buildVolume(t)
	require.NoError(t, m.Mount(ustr.Root, v, nil, 0, Options{}))
	err := m.Mount(ustr.Root, v, nil, 1, Options{})
	require.Error(t, err)
}

func TestMountRejectsDuplicatePartitionNumber(t *testing.T) {
	m := NewMap()
	root := buildVolume(t)
	require.NoError(t, root.MkDir(root.RootCluster(), "mnt"))
	require.NoError(t, m.Mount(ustr.Root, root, nil, 0, Options{}))

	second := buildVolume(t)
	err := m.Mount(ustr.New("/mnt"), second, nil, 0, Options{})
	require.Error(t, err)
}

func TestMountRequiresExistingDirectoryAtMountPoint(t *testing.T) {
	m := NewMap()
	root := buildVolume(t)
	require.NoError(t, m.Mount(ustr.Root, root, nil, 0, Options{}))

	second := buildVolume(t)
	err := m.Mount(ustr.New("/nosuchdir"), second, nil, 1, Options{})
	require.Error(t, err)
}

func TestMountAtSubdirectoryRoutesLongestPrefix(t *testing.T) {
	m := NewMap()
	root := buildVolume(t)
	require.NoError(t, root.MkDir(root.RootCluster(), "mnt"))
	require.NoError(t, m.Mount(ustr.Root, root, nil, 0, Options{}))

	second := buildVolume(t)
	require.NoError(t, m.Mount(ustr.New("/mnt"), second, nil, 1, Options{}))

	got, local, err := m.Route(ustr.New("/mnt/data.bin"))
	require.NoError(t, err)
	require.Same(t, second, got)
	require.Equal(t, "/data.bin", local.String())

	got, local, err = m.Route(ustr.New("/other/data.bin"))
	require.NoError(t, err)
	require.Same(t, root, got)
	require.Equal(t, "/other/data.bin", local.String())
}

func TestUnmountRefusesBusyPrefix(t *testing.T) {
	m := NewMap()
	root := buildVolume(t)
	require.NoError(t, root.MkDir(root.RootCluster(), "mnt"))
	require.NoError(t, m.Mount(ustr.Root, root, nil, 0, Options{}))

	second := buildVolume(t)
	require.NoError(t, m.Mount(ustr.New("/mnt"), second, nil, 1, Options{}))

	err := m.Unmount(ustr.Root)
	require.Error(t, err)
}

func TestUnmountFallsBackToParentMount(t *testing.T) {
	m := NewMap()
	root := buildVolume(t)
	require.NoError(t, root.MkDir(root.RootCluster(), "mnt"))
	require.NoError(t, m.Mount(ustr.Root, root, nil, 0, Options{}))

	second := buildVolume(t)
	require.NoError(t, m.Mount(ustr.New("/mnt"), second, nil, 1, Options{}))
	require.NoError(t, m.Unmount(ustr.New("/mnt")))

	got, local, err := m.Route(ustr.New("/mnt/data.bin"))
	require.NoError(t, err)
	require.Same(t, root, got)
	require.Equal(t, "/mnt/data.bin", local.String())
}

func TestListReportsEveryLiveMount(t *testing.T) {
	m := NewMap()
	root := buildVolume(t)
	require.NoError(t, root.MkDir(root.RootCluster(), "mnt"))
	require.NoError(t, m.Mount(ustr.Root, root, nil, 0, Options{}))

	second := buildVolume(t)
	require.NoError(t, m.Mount(ustr.New("/mnt"), second, nil, 1, Options{Encrypted: true}))

	infos := m.List()
	require.Len(t, infos, 2)
	byPath := map[string]MountInfo{}
	for _, info := range infos {
		byPath[info.Path] = info
	}
	require.Equal(t, 0, byPath["/"].PartIndex)
	require.False(t, byPath["/"].Encrypted)
	require.Equal(t, 1, byPath["/mnt"].PartIndex)
	require.True(t, byPath["/mnt"].Encrypted)
}

func TestFlushAllFlushesEveryMount(t *testing.T) {
	m := NewMap()
	root := buildVolume(t)
	require.NoError(t, root.MkDir(root.RootCluster(), "mnt"))
	require.NoError(t, m.Mount(ustr.Root, root, nil, 0, Options{}))

	second := buildVolume(t)
	require.NoError(t, m.Mount(ustr.New("/mnt"), second, nil, 1, Options{}))

	require.NoError(t, m.FlushAll())
}
