// Package diag implements the kernel's lsblk-style host-side reporting:
// MBR partition layout, live mounts, and heap occupancy, all rendered
// with human-readable byte counts. Grounded on the go-exfat example
// driver's own small CLI-reporting helpers, generalized from exfat's
// single-filesystem report to this kernel's MBR+mount-map+heap triple.
package diag

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"wafer/internal/blockdev"
	"wafer/internal/halloc"
	"wafer/internal/mount"
)

// PartitionReport describes one MBR partition table slot.
type PartitionReport struct {
	Index   int
	Type    uint8
	FAT32   bool
	Sectors uint32
	Size    uint64
}

// Partitions reports every slot in m, sizing each against sectorSize
// (spec.md §3: "one MBR is cached for reporting partition sizes").
func Partitions(m *blockdev.MBR, sectorSize int) []PartitionReport {
	out := make([]PartitionReport, 0, len(m.Partitions))
	for i, p := range m.Partitions {
		out = append(out, PartitionReport{
			Index:   i,
			Type:    p.PartitionType,
			FAT32:   p.IsFAT32(),
			Sectors: p.NumSectors,
			Size:    m.PartitionSize(i, sectorSize),
		})
	}
	return out
}

// WritePartitions renders an lsblk-style table of reports to w.
func WritePartitions(w io.Writer, reports []PartitionReport) {
	fmt.Fprintf(w, "%-3s %-6s %-6s %12s\n", "NO", "TYPE", "FAT32", "SIZE")
	for _, r := range reports {
		fmt.Fprintf(w, "%-3d 0x%02x   %-6v %12s\n", r.Index, r.Type, r.FAT32, humanize.Bytes(r.Size))
	}
}

// WriteMounts renders the live mount table to w.
func WriteMounts(w io.Writer, infos []mount.MountInfo) {
	fmt.Fprintf(w, "%-20s %-4s %s\n", "MOUNTPOINT", "PART", "ENCRYPTED")
	for _, info := range infos {
		fmt.Fprintf(w, "%-20s %-4d %v\n", info.Path, info.PartIndex, info.Encrypted)
	}
}

// HeapReport summarizes a halloc.Heap's live/free occupancy.
type HeapReport struct {
	Live, Free       uint64
	LiveCount, FreeCount int
}

// Heap converts raw Stat counters into a HeapReport.
func Heap(s halloc.Stat) HeapReport {
	return HeapReport{
		Live:      uint64(s.LiveBytes),
		Free:      uint64(s.FreeBytes),
		LiveCount: s.LiveCount,
		FreeCount: s.FreeCount,
	}
}

// WriteHeap renders a human-readable heap occupancy summary to w.
func WriteHeap(w io.Writer, r HeapReport) {
	total := r.Live + r.Free
	fmt.Fprintf(w, "heap: %s live (%d blocks), %s free (%d blocks), %s total\n",
		humanize.Bytes(r.Live), r.LiveCount, humanize.Bytes(r.Free), r.FreeCount, humanize.Bytes(total))
}
