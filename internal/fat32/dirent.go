package fat32

import (
	"encoding/binary"
	"strings"

	"github.com/go-restruct/restruct"

	"wafer/internal/errs"
	"wafer/internal/stat"
)

// Directory-entry attribute bits (spec.md §6).
const (
	AttrReadOnly = 0x01
	AttrHidden   = 0x02
	AttrSystem   = 0x04
	AttrVolumeID = 0x08
	AttrDir      = 0x10
	AttrArchive  = 0x20
	AttrLFN      = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

const (
	direntTerminator = 0x00
	direntDeleted    = 0xE5
	lfnLastFlag      = 0x40
	lfnCharsPerEntry = 13
)

// RegularEntry is the classical 32-byte 8.3 directory entry.
type RegularEntry struct {
	Name         [11]byte
	Attr         uint8
	NTRes        uint8
	CrtTimeTenth uint8
	CrtTime      uint16
	CrtDate      uint16
	LstAccDate   uint16
	FstClusHI    uint16
	WrtTime      uint16
	WrtDate      uint16
	FstClusLO    uint16
	FileSize     uint32
}

// lfnEntry is one 32-byte LFN segment (spec.md §3/§6).
type lfnEntry struct {
	Ord       uint8
	Name1     [5]uint16
	Attr      uint8
	Type      uint8
	Chksum    uint8
	Name2     [6]uint16
	FstClusLO uint16
	Name3     [2]uint16
}

func parseRegularEntry(raw []byte) (*RegularEntry, error) {
	e := &RegularEntry{}
	if err := restruct.Unpack(raw, binary.LittleEndian, e); err != nil {
		return nil, errs.Wrap(errs.KindCorrupt, err, "fat32: directory entry decode failed")
	}
	return e, nil
}

func (e *RegularEntry) encode() ([]byte, error) {
	b, err := restruct.Pack(binary.LittleEndian, e)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "fat32: directory entry encode failed")
	}
	return b, nil
}

func parseLfnEntry(raw []byte) (*lfnEntry, error) {
	e := &lfnEntry{}
	if err := restruct.Unpack(raw, binary.LittleEndian, e); err != nil {
		return nil, errs.Wrap(errs.KindCorrupt, err, "fat32: LFN entry decode failed")
	}
	return e, nil
}

func (e *lfnEntry) encode() ([]byte, error) {
	b, err := restruct.Pack(binary.LittleEndian, e)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, err, "fat32: LFN entry encode failed")
	}
	return b, nil
}

func (e *lfnEntry) units() []uint16 {
	out := make([]uint16, 0, lfnCharsPerEntry)
	out = append(out, e.Name1[:]...)
	out = append(out, e.Name2[:]...)
	out = append(out, e.Name3[:]...)
	return out
}

// Cluster is the entry's starting cluster (FstClusHI:FstClusLO).
func (e *RegularEntry) Cluster() uint32 {
	return uint32(e.FstClusHI)<<16 | uint32(e.FstClusLO)
}

func (e *RegularEntry) setCluster(c uint32) {
	e.FstClusHI = uint16(c >> 16)
	e.FstClusLO = uint16(c & 0xFFFF)
}

// shortChecksum is the FAT LFN checksum: an 8-bit rotate-and-add over
// the 11-byte short name (spec.md §3: "a specific 8-bit rotate-and-add
// over the 11-byte short name; it must match byte-for-byte").
func shortChecksum(name [11]byte) uint8 {
	var sum uint8
	for _, c := range name {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}

// ToStat converts e's packed DOS timestamps and size/cluster/attr
// fields into a stat.Stat (spec.md §3 DirEntry; regular entries carry
// "created/accessed/modified timestamps").
func (e *RegularEntry) ToStat(dev uint64) stat.Stat {
	var s stat.Stat
	s.SetDevice(dev)
	s.SetCluster(e.Cluster())
	s.SetSize(uint64(e.FileSize))
	s.SetDir(e.Attr&AttrDir != 0)
	mode := uint32(0o644)
	if e.Attr&AttrDir != 0 {
		mode = 0o755
	}
	if e.Attr&AttrReadOnly != 0 {
		mode &^= 0o222
	}
	s.SetMode(mode)
	s.SetTimes(decodeDOSTime(e.CrtDate, e.CrtTime), decodeDOSDate(e.LstAccDate), decodeDOSTime(e.WrtDate, e.WrtTime))
	return s
}

// groupIter accumulates LFN segments followed by one terminating
// regular entry while scanning a directory's 32-byte records in order
// (spec.md §4.3: "accumulating LFN segments ... until a regular entry
// terminates a group").
type groupIter struct {
	segs map[uint8][]uint16 // sequence number -> 13 UCS-2 units
	max  uint8
}

func newGroupIter() *groupIter {
	return &groupIter{segs: make(map[uint8][]uint16)}
}

func (g *groupIter) addLfn(e *lfnEntry) {
	seq := e.Ord &^ lfnLastFlag
	g.segs[seq] = e.units()
	if seq > g.max {
		g.max = seq
	}
}

// composedName concatenates LFN segments in sequence order and
// truncates at the first NUL (spec.md §4.3), or reports ok=false if no
// LFN segments were accumulated.
func (g *groupIter) composedName() (string, bool) {
	if len(g.segs) == 0 {
		return "", false
	}
	var units []uint16
	for seq := uint8(1); seq <= g.max; seq++ {
		seg, ok := g.segs[seq]
		if !ok {
			return "", false
		}
		units = append(units, seg...)
	}
	return decodeUCS2(units), true
}

func (g *groupIter) reset() {
	g.segs = make(map[uint8][]uint16)
	g.max = 0
}

// ShortName composes the trimmed 8.3 base+extension name from a
// RegularEntry's raw Name field (spec.md §4.3: "trimmed 8.3 name plus
// extension").
func ShortName(raw [11]byte) string {
	base := strings.TrimRight(string(raw[:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// EntryStatus classifies a raw 32-byte record's first byte (spec.md
// §3: "unknown ... used to test the validity byte").
type EntryStatus int

const (
	StatusLive EntryStatus = iota
	StatusDeleted
	StatusTerminator
)

func classify(raw []byte) EntryStatus {
	switch raw[0] {
	case direntTerminator:
		return StatusTerminator
	case direntDeleted:
		return StatusDeleted
	default:
		return StatusLive
	}
}
