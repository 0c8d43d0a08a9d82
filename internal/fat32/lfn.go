package fat32

import (
	"encoding/binary"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"wafer/internal/errs"
)

// ucs2LE transcodes long file names between UTF-8 and the UCS-2
// little-endian encoding FAT32 LFN entries use on disk (spec.md §6).
var ucs2LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// decodeUCS2 concatenates raw LFN units into a UTF-8 string, stopping
// at the first NUL terminator and skipping 0xFFFF padding (spec.md
// §4.3).
func decodeUCS2(units []uint16) string {
	raw := make([]byte, 0, len(units)*2)
	for _, u := range units {
		if u == 0x0000 {
			break
		}
		if u == 0xFFFF {
			continue
		}
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], u)
		raw = append(raw, b[:]...)
	}
	out, err := ucs2LE.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// encodeUCS2 converts name to UCS-2LE code units, NUL-terminated and
// 0xFFFF-padded to a multiple of 13 characters — one LFN entry's worth
// (spec.md §4.3 Creation).
func encodeUCS2(name string) []uint16 {
	raw, err := ucs2LE.NewEncoder().Bytes([]byte(name))
	if err != nil {
		raw = []byte(name)
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	units = append(units, 0x0000)
	for len(units)%lfnCharsPerEntry != 0 {
		units = append(units, 0xFFFF)
	}
	return units
}

// needsLFN reports whether name cannot be represented as an 8.3 short
// name (spec.md §4.3 Creation: "base > 8 or ext > 3 or > 2 dot
// parts").
func needsLFN(name string) bool {
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return true
	}
	base := parts[0]
	ext := ""
	if len(parts) == 2 {
		ext = parts[1]
	}
	if len(base) > 8 || len(ext) > 3 {
		return true
	}
	for _, r := range name {
		if r > 0x7F || r == ' ' {
			return true
		}
	}
	return false
}

// shortNameFor derives an 11-byte 8.3 short name for name, upper-cased
// and space-padded. It does not implement Windows' "~1" numeric-tail
// collision scheme — callers needing LFN already have the full name
// for disambiguation via checksum.
func shortNameFor(name string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	if name == "." || name == ".." {
		copy(out[:], name)
		return out
	}
	base := name
	ext := ""
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		base, ext = name[:idx], name[idx+1:]
	}
	base = sanitizeShort(base)
	ext = sanitizeShort(ext)
	if len(base) > 8 {
		base = base[:8]
	}
	if len(ext) > 3 {
		ext = ext[:3]
	}
	copy(out[0:8], strings.ToUpper(base))
	copy(out[8:11], strings.ToUpper(ext))
	return out
}

func sanitizeShort(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r <= 0x7F && r != ' ' && r != '.' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// buildEntries constructs the on-disk 32-byte records for name with
// cluster/size/attr/stat already decided: K reverse-sequenced LFN
// entries (if needed) followed by one regular entry (spec.md §4.3
// Creation).
func buildEntries(name string, reg RegularEntry) ([][]byte, error) {
	reg.Name = shortNameFor(name)
	regRaw, err := reg.encode()
	if err != nil {
		return nil, err
	}
	if !needsLFN(name) {
		return [][]byte{regRaw}, nil
	}

	units := encodeUCS2(name)
	numEntries := len(units) / lfnCharsPerEntry
	if numEntries > 0x1F {
		return nil, errs.New(errs.KindInvalidInput, "fat32: name too long for LFN encoding")
	}
	checksum := shortChecksum(reg.Name)

	out := make([][]byte, 0, numEntries+1)
	for i := numEntries; i >= 1; i-- {
		seg := units[(i-1)*lfnCharsPerEntry : i*lfnCharsPerEntry]
		ord := uint8(i)
		if i == numEntries {
			ord |= lfnLastFlag
		}
		e := &lfnEntry{
			Ord:    ord,
			Attr:   AttrLFN,
			Chksum: checksum,
		}
		copy(e.Name1[:], seg[0:5])
		copy(e.Name2[:], seg[5:11])
		copy(e.Name3[:], seg[11:13])
		raw, err := e.encode()
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	out = append(out, regRaw)
	return out, nil
}
