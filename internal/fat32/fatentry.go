package fat32

import (
	"encoding/binary"

	"wafer/internal/cache"
	"wafer/internal/errs"
)

// EntryKind classifies a FatEntry's low 28 bits (spec.md §3).
type EntryKind int

const (
	KindFree EntryKind = iota
	KindReserved
	KindData
	KindBad
	KindEoc
)

const (
	clusterMask   = 0x0FFFFFFF
	clusterBad    = 0x0FFFFFF7
	clusterEocMin = 0x0FFFFFF8
)

// FatEntry is a decoded 28-bit FAT table entry.
type FatEntry struct {
	Kind EntryKind
	Next uint32 // valid only when Kind == KindData
}

func decodeFatEntry(raw uint32) FatEntry {
	v := raw & clusterMask
	switch {
	case v == 0:
		return FatEntry{Kind: KindFree}
	case v == 1:
		return FatEntry{Kind: KindReserved}
	case v == clusterBad:
		return FatEntry{Kind: KindBad}
	case v >= clusterEocMin:
		return FatEntry{Kind: KindEoc}
	default:
		return FatEntry{Kind: KindData, Next: v}
	}
}

func (e FatEntry) encode() uint32 {
	switch e.Kind {
	case KindFree:
		return 0
	case KindReserved:
		return 1
	case KindBad:
		return clusterBad
	case KindEoc:
		return 0x0FFFFFFF
	default:
		return e.Next & clusterMask
	}
}

// fatTable caches FAT entries in memory (spec.md §4.3: "set_fat_entry
// modifies the cached copy; durability is deferred to flush"). It
// reads/writes through the partition cache at (sector, offset)
// addresses, never touching the device directly.
type fatTable struct {
	part        *cache.Partition
	partStart   uint32 // absolute sector of the partition start
	fatStartRel uint32 // FAT start, relative to partition
	numEntries  uint32
}

func newFatTable(part *cache.Partition, partStart, fatStartRel, numEntries uint32) *fatTable {
	return &fatTable{part: part, partStart: partStart, fatStartRel: fatStartRel, numEntries: numEntries}
}

// locate returns the absolute sector and within-sector byte offset of
// cluster c's entry (spec.md §4.3: "a FatEntry by (sector, offset)").
func (t *fatTable) locate(c uint32) (sector uint32, offset int) {
	const bytesPerEntry = 4
	byteOff := c * bytesPerEntry
	sectorSize := uint32(t.part.LogicalSectorSize())
	sector = t.partStart + t.fatStartRel + byteOff/sectorSize
	offset = int(byteOff % sectorSize)
	return
}

func (t *fatTable) get(c uint32) (FatEntry, error) {
	if c >= t.numEntries {
		return FatEntry{}, errs.New(errs.KindInvalidInput, "fat32: cluster index out of range")
	}
	sector, off := t.locate(c)
	buf := make([]byte, t.part.LogicalSectorSize())
	if err := t.part.ReadSector(int(sector), buf); err != nil {
		return FatEntry{}, errs.Wrap(errs.KindCorrupt, err, "fat32: FAT read failed")
	}
	if off+4 > len(buf) {
		return FatEntry{}, errs.New(errs.KindCorrupt, "fat32: partial FAT read")
	}
	return decodeFatEntry(binary.LittleEndian.Uint32(buf[off : off+4])), nil
}

// set modifies the cached FAT entry for cluster c (spec.md §4.3:
// "set_fat_entry modifies the cached copy; durability is deferred to
// flush"). Only the primary FAT is maintained — see DESIGN.md for the
// non-mirroring decision.
func (t *fatTable) set(c uint32, e FatEntry) error {
	if c >= t.numEntries {
		return errs.New(errs.KindInvalidInput, "fat32: cluster index out of range")
	}
	sector, off := t.locate(c)
	buf := make([]byte, t.part.LogicalSectorSize())
	if err := t.part.ReadSector(int(sector), buf); err != nil {
		return errs.Wrap(errs.KindCorrupt, err, "fat32: FAT read failed")
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], e.encode())
	return t.part.WriteSector(int(sector), buf)
}

// findFreeEntry linearly scans for a Free entry, starting at cluster
// 2 (spec.md §4.3).
func (t *fatTable) findFreeEntry() (uint32, error) {
	for c := uint32(2); c < t.numEntries; c++ {
		e, err := t.get(c)
		if err != nil {
			return 0, err
		}
		if e.Kind == KindFree {
			return c, nil
		}
	}
	return 0, errs.New(errs.KindOOM, "fat32: no free cluster")
}

// allocCluster finds a free cluster and marks it with status
// (spec.md §4.3: "alloc_cluster(status) finds-and-marks").
func (t *fatTable) allocCluster(status FatEntry) (uint32, error) {
	c, err := t.findFreeEntry()
	if err != nil {
		return 0, err
	}
	if err := t.set(c, status); err != nil {
		return 0, err
	}
	return c, nil
}

// freeCluster marks c Free (spec.md §4.3).
func (t *fatTable) freeCluster(c uint32) error {
	return t.set(c, FatEntry{Kind: KindFree})
}
