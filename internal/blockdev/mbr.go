package blockdev

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"

	"wafer/internal/errs"
)

// Classical MBR partition type bytes recognized as FAT32 (spec.md §6).
const (
	PartTypeFAT32CHS = 0x0B
	PartTypeFAT32LBA = 0x0C
)

// mbrSignature is the required magic at offset 510.
const mbrSignature = 0xAA55

// PartitionEntry is one 16-byte MBR partition table slot.
type PartitionEntry struct {
	BootIndicator   uint8
	StartCHS        [3]uint8
	PartitionType   uint8
	EndCHS          [3]uint8
	StartLBA        uint32
	NumSectors      uint32
}

// MBR is the parsed 512-byte sector 0 layout (spec.md §6).
type MBR struct {
	BootCode   [446]byte
	Partitions [4]PartitionEntry
	Signature  uint16
}

// IsFAT32 reports whether p is one of the recognized FAT32 partition
// type bytes.
func (p PartitionEntry) IsFAT32() bool {
	return p.PartitionType == PartTypeFAT32CHS || p.PartitionType == PartTypeFAT32LBA
}

// ParseMBR decodes a 512-byte MBR sector, rejecting anything whose
// magic or boot indicators don't match spec.md §6. A bad signature is
// KindCorrupt: a disk that doesn't even have a valid MBR cannot be
// reasoned about further.
func ParseMBR(sector []byte) (*MBR, error) {
	if len(sector) != 512 {
		return nil, errs.New(errs.KindInvalidInput, "blockdev: MBR sector must be 512 bytes")
	}
	m := &MBR{}
	if err := restruct.Unpack(sector, binary.LittleEndian, m); err != nil {
		return nil, errs.Wrap(errs.KindCorrupt, err, "blockdev: MBR decode failed")
	}
	if m.Signature != mbrSignature {
		return nil, errs.New(errs.KindCorrupt, "blockdev: bad MBR signature")
	}
	for _, p := range m.Partitions {
		if p.BootIndicator != 0x00 && p.BootIndicator != 0x80 {
			return nil, errs.New(errs.KindCorrupt, "blockdev: bad MBR boot indicator")
		}
	}
	return m, nil
}

// Encode serializes m back to a 512-byte sector (used by cmd/mkfs).
func (m *MBR) Encode() ([]byte, error) {
	b, err := restruct.Pack(binary.LittleEndian, m)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "blockdev: MBR encode failed")
	}
	return b, nil
}

// PartitionSize reports the size in bytes of partition index idx,
// given the device's sector size — used by MOUNT's reporting (spec.md
// §3, "one MBR is cached for reporting partition sizes").
func (m *MBR) PartitionSize(idx, sectorSize int) uint64 {
	return uint64(m.Partitions[idx].NumSectors) * uint64(sectorSize)
}
