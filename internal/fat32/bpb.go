// Package fat32 implements VFAT (spec.md §4.3): BPB parsing, FAT table
// management, cluster chain I/O, LFN directory entries, and file
// read/write/seek/delete over a cache.Partition. Grounded on biscuit's
// ufs.Ufs_t high-level API (biscuit/src/ufs/ufs.go) for shape, and on
// the BPB/directory-entry field layout used throughout the FAT32
// implementations in the example corpus (soypat/fat's tables.go offsets,
// go-exfat's restruct-based boot sector parsing).
package fat32

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"

	"wafer/internal/errs"
)

const bpbSize = 512

// bpbBootSig28, bpbBootSig29 are the two valid FAT32
// BPB signature bytes at offset 66 (BS_BootSig), per spec.md §6.
const (
	bpbBootSig28 = 0x28
	bpbBootSig29 = 0x29
)

const bpbMagic = 0xAA55

// BPB is the portion of the FAT32 BIOS Parameter Block this driver
// needs (spec.md §4.3). Reserved/unused regions are folded into the
// Reserved and BootCode fields so restruct still sees a 512-byte struct.
type BPB struct {
	JmpBoot       [3]byte
	OEMName       [8]byte
	BytesPerSec   uint16
	SecPerClus    uint8
	RsvdSecCnt    uint16
	NumFATs       uint8
	RootEntCnt    uint16
	TotSec16      uint16
	Media         uint8
	FATSz16       uint16
	SecPerTrk     uint16
	NumHeads      uint16
	HiddSec       uint32
	TotSec32      uint32
	FATSz32       uint32
	ExtFlags      uint16
	FSVer         uint16
	RootClus      uint32
	FSInfo        uint16
	BkBootSec     uint16
	Reserved      [12]byte
	DrvNum        uint8
	NTRes         uint8
	BootSig       uint8
	VolID         uint32
	VolLab        [11]byte
	FilSysType    [8]byte
	BootCode      [420]byte
	Signature     uint16
}

// ParseBPB decodes a 512-byte boot sector and validates the two
// signatures spec.md §6 requires.
func ParseBPB(sector []byte) (*BPB, error) {
	if len(sector) != bpbSize {
		return nil, errs.New(errs.KindInvalidInput, "fat32: BPB sector must be 512 bytes")
	}
	b := &BPB{}
	if err := restruct.Unpack(sector, binary.LittleEndian, b); err != nil {
		return nil, errs.Wrap(errs.KindCorrupt, err, "fat32: BPB decode failed")
	}
	if b.BootSig != bpbBootSig28 && b.BootSig != bpbBootSig29 {
		return nil, errs.New(errs.KindCorrupt, "fat32: bad BPB signature byte")
	}
	if b.Signature != bpbMagic {
		return nil, errs.New(errs.KindCorrupt, "fat32: bad BPB boot-sector magic")
	}
	if b.BytesPerSec == 0 || b.SecPerClus == 0 || b.NumFATs == 0 {
		return nil, errs.New(errs.KindCorrupt, "fat32: degenerate BPB geometry")
	}
	return b, nil
}

// FatStart is the first sector of the first FAT table, relative to
// the partition start (spec.md §4.3: fat_start = partition_start +
// reserved).
func (b *BPB) FatStart() uint32 { return uint32(b.RsvdSecCnt) }

// DataStart is the first sector of the data region, relative to the
// partition start (spec.md §4.3: data_start = fat_start + num_fats ×
// sectors_per_fat).
func (b *BPB) DataStart() uint32 {
	return b.FatStart() + uint32(b.NumFATs)*b.FATSz32
}

// ClusterSector returns cluster c's first sector, relative to the
// partition start (spec.md §4.3).
func (b *BPB) ClusterSector(c uint32) uint32 {
	return b.DataStart() + (c-2)*uint32(b.SecPerClus)
}

// BytesPerCluster is the cluster size in bytes.
func (b *BPB) BytesPerCluster() uint32 {
	return uint32(b.BytesPerSec) * uint32(b.SecPerClus)
}
