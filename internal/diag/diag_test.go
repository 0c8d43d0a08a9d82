package diag

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"wafer/internal/blockdev"
	"wafer/internal/halloc"
	"wafer/internal/mount"
)

func TestPartitionsReportsSizeAndFAT32Kind(t *testing.T) {
	mbr := &blockdev.MBR{}
	mbr.Partitions[0] = blockdev.PartitionEntry{PartitionType: blockdev.PartTypeFAT32LBA, NumSectors: 2048}
	mbr.Partitions[1] = blockdev.PartitionEntry{PartitionType: 0x83, NumSectors: 1024} // Linux, not FAT32

	reports := Partitions(mbr, 512)
	require.Len(t, reports, 4)
	require.True(t, reports[0].FAT32)
	require.EqualValues(t, 2048*512, reports[0].Size)
	require.False(t, reports[1].FAT32)
}

func TestWritePartitionsRendersHumanReadableSizes(t *testing.T) {
	mbr := &blockdev.MBR{}
	mbr.Partitions[0] = blockdev.PartitionEntry{PartitionType: blockdev.PartTypeFAT32LBA, NumSectors: 1 << 22}
	reports := Partitions(mbr, 512)

	var buf bytes.Buffer
	WritePartitions(&buf, reports)
	require.Contains(t, buf.String(), "NO")
	require.Contains(t, buf.String(), "GB")
}

func TestWriteMountsListsEveryEntry(t *testing.T) {
	infos := []mount.MountInfo{
		{Path: "/", PartIndex: 0, Encrypted: false},
		{Path: "/mnt", PartIndex: 1, Encrypted: true},
	}
	var buf bytes.Buffer
	WriteMounts(&buf, infos)
	require.Contains(t, buf.String(), "/mnt")
	require.Contains(t, buf.String(), "true")
}

func TestHeapReportsLiveAndFreeBytes(t *testing.T) {
	buf := make([]byte, 64*1024)
	h := halloc.NewHeap(buf)
	ptr, ok := h.Alloc(64, 8)
	require.True(t, ok)
	_ = ptr

	r := Heap(h.Stats())
	require.Greater(t, r.Live, uint64(0))
	require.Equal(t, 1, r.LiveCount)
}

func TestWriteHeapRendersTotal(t *testing.T) {
	var out bytes.Buffer
	WriteHeap(&out, HeapReport{Live: 100, Free: 924, LiveCount: 1, FreeCount: 1})
	require.Contains(t, out.String(), "live")
	require.Contains(t, out.String(), "free")
	require.Contains(t, out.String(), "total")
}
