package fat32

import (
	"strings"

	"wafer/internal/errs"
)

const direntSize = 32

// dirSlot is one live, named directory record together with the
// on-disk span of its entries (LFN segments + regular entry), so it
// can be invalidated on delete (spec.md §3 Range, §4.3 Delete).
type dirSlot struct {
	Name  string
	Entry *RegularEntry
	Span  Range
}

// walkDir visits every 32-byte record of the directory cluster chain
// starting at startCluster, in order, invoking visit with the record's
// position and raw bytes. visit returns stop=true to end the walk
// early.
func (v *VFAT) walkDir(startCluster uint32, visit func(pos Pos, raw []byte) (stop bool)) error {
	bpc := v.BytesPerCluster()
	c := startCluster
	for {
		buf := make([]byte, bpc)
		if _, err := v.ReadCluster(c, 0, buf); err != nil {
			return err
		}
		for off := uint32(0); off+direntSize <= bpc; off += direntSize {
			raw := buf[off : off+direntSize]
			if classify(raw) == StatusTerminator {
				return nil
			}
			if visit(Pos{Cluster: c, Offset: off}, raw) {
				return nil
			}
		}
		next, ok, err := v.chainNext(c)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		c = next
	}
}

// listDir composes every live named entry in the directory rooted at
// startCluster (spec.md §4.3 Directories).
func (v *VFAT) listDir(startCluster uint32) ([]dirSlot, error) {
	var out []dirSlot
	group := newGroupIter()
	var groupStart *Pos

	err := v.walkDir(startCluster, func(pos Pos, raw []byte) bool {
		switch classify(raw) {
		case StatusDeleted:
			group.reset()
			groupStart = nil
			return false
		case StatusLive:
		}
		attr := raw[11]
		if attr&AttrLFN == AttrLFN {
			e, err := parseLfnEntry(raw)
			if err != nil {
				return false
			}
			if groupStart == nil {
				p := pos
				groupStart = &p
			}
			group.addLfn(e)
			return false
		}
		reg, err := parseRegularEntry(raw)
		if err != nil {
			return false
		}
		name, ok := group.composedName()
		if !ok {
			name = ShortName(reg.Name)
		}
		start := pos
		if groupStart != nil {
			start = *groupStart
		}
		out = append(out, dirSlot{
			Name:  name,
			Entry: reg,
			Span:  Range{Start: start, End: pos},
		})
		group.reset()
		groupStart = nil
		return false
	})
	return out, err
}

// find looks up name case-insensitively within the directory rooted at
// startCluster (spec.md §4.3 Path open).
func (v *VFAT) find(startCluster uint32, name string) (*dirSlot, error) {
	entries, err := v.listDir(startCluster)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if strings.EqualFold(entries[i].Name, name) {
			return &entries[i], nil
		}
	}
	return nil, errs.New(errs.KindNotFound, "fat32: no such directory entry")
}

// appendEntries writes raw (one or more 32-byte records, LFN segments
// followed by the regular entry) into the first run of free/deleted or
// newly-extended slots in the directory chain rooted at dirCluster
// (spec.md §4.3 Creation, "writing past the end ... extends it").
type dirRunSlot struct {
	cluster uint32
	off     uint32
}

func (v *VFAT) appendEntries(dirCluster uint32, raws [][]byte) (Range, error) {
	bpc := v.BytesPerCluster()
	need := len(raws)

	var run []dirRunSlot
	c := dirCluster
	for {
		buf := make([]byte, bpc)
		if _, err := v.ReadCluster(c, 0, buf); err != nil {
			return Range{}, err
		}
		for off := uint32(0); off+direntSize <= bpc; off += direntSize {
			raw := buf[off : off+direntSize]
			if classify(raw) == StatusLive {
				run = run[:0]
				continue
			}
			run = append(run, dirRunSlot{c, off})
			if len(run) == need {
				return v.writeRun(run, raws)
			}
		}
		next, ok, err := v.chainNext(c)
		if err != nil {
			return Range{}, err
		}
		if !ok {
			newC, err := v.allocDirCluster(c)
			if err != nil {
				return Range{}, err
			}
			next = newC
		}
		c = next
	}
}

func (v *VFAT) allocDirCluster(tail uint32) (uint32, error) {
	newC, err := v.AllocClusterChain()
	if err != nil {
		return 0, err
	}
	v.mu.Lock()
	err = v.fat.set(tail, FatEntry{Kind: KindData, Next: newC})
	v.mu.Unlock()
	return newC, err
}

func (v *VFAT) writeRun(run []dirRunSlot, raws [][]byte) (Range, error) {
	for i, raw := range raws {
		if _, err := v.WriteCluster(run[i].cluster, run[i].off, raw); err != nil {
			return Range{}, err
		}
	}
	first, last := run[0], run[len(run)-1]
	return Range{
		Start: Pos{Cluster: first.cluster, Offset: first.off},
		End:   Pos{Cluster: last.cluster, Offset: last.off},
	}, nil
}

// invalidate overwrites every entry's first byte in span with the
// deleted marker 0xE5 (spec.md §4.3 Delete).
func (v *VFAT) invalidate(span Range) error {
	marker := [1]byte{direntDeleted}
	c, off := span.Start.Cluster, span.Start.Offset
	for {
		if _, err := v.WriteCluster(c, off, marker[:]); err != nil {
			return err
		}
		if c == span.End.Cluster && off == span.End.Offset {
			return nil
		}
		off += direntSize
		if off+direntSize > v.BytesPerCluster() {
			next, ok, err := v.chainNext(c)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			c, off = next, 0
		}
	}
}

// MkDir creates a subdirectory named name under parentCluster,
// writing "." and ".." entries (".." = 0 at root) (spec.md §4.3
// Creation).
func (v *VFAT) MkDir(parentCluster uint32, name string) (uint32, error) {
	if _, err := v.find(parentCluster, name); err == nil {
		return 0, errs.New(errs.KindExists, "fat32: directory entry already exists")
	}
	newCluster, err := v.AllocClusterChain()
	if err != nil {
		return 0, err
	}

	dot := RegularEntry{Attr: AttrDir}
	dot.Name = shortNameFor(".")
	dot.setCluster(newCluster)
	dotRaw, err := dot.encode()
	if err != nil {
		return 0, err
	}
	dotdot := RegularEntry{Attr: AttrDir}
	dotdot.Name = shortNameFor("..")
	parentRef := parentCluster
	if parentCluster == v.RootCluster() {
		parentRef = 0
	}
	dotdot.setCluster(parentRef)
	dotdotRaw, err := dotdot.encode()
	if err != nil {
		return 0, err
	}
	if _, err := v.WriteCluster(newCluster, 0, dotRaw); err != nil {
		return 0, err
	}
	if _, err := v.WriteCluster(newCluster, direntSize, dotdotRaw); err != nil {
		return 0, err
	}

	reg := RegularEntry{Attr: AttrDir}
	reg.setCluster(newCluster)
	raws, err := buildEntries(name, reg)
	if err != nil {
		return 0, err
	}
	if _, err := v.appendEntries(parentCluster, raws); err != nil {
		return 0, err
	}
	return newCluster, nil
}

// MkFile creates an empty regular file named name under parentCluster
// (spec.md §4.3 Creation).
func (v *VFAT) MkFile(parentCluster uint32, name string) error {
	if _, err := v.find(parentCluster, name); err == nil {
		return errs.New(errs.KindExists, "fat32: directory entry already exists")
	}
	reg := RegularEntry{Attr: AttrArchive}
	raws, err := buildEntries(name, reg)
	if err != nil {
		return err
	}
	_, err = v.appendEntries(parentCluster, raws)
	return err
}

// Unlink removes name from the directory rooted at parentCluster: it
// frees the file's cluster chain (if any) and invalidates its
// directory-entry span (spec.md §4.3 Delete).
func (v *VFAT) Unlink(parentCluster uint32, name string) error {
	slot, err := v.find(parentCluster, name)
	if err != nil {
		return err
	}
	if c := slot.Entry.Cluster(); c != 0 {
		if err := v.FreeChain(c); err != nil {
			return err
		}
	}
	return v.invalidate(slot.Span)
}

// updateSize rewrites the regular entry at span.End with a new cluster
// and size (spec.md §4.3 Files: "write ... rewrites the directory
// regular-entry sector with the new size").
func (v *VFAT) updateSize(span Range, cluster, size uint32) error {
	buf := make([]byte, direntSize)
	if _, err := v.ReadCluster(span.End.Cluster, span.End.Offset, buf); err != nil {
		return err
	}
	reg, err := parseRegularEntry(buf)
	if err != nil {
		return err
	}
	reg.setCluster(cluster)
	reg.FileSize = size
	raw, err := reg.encode()
	if err != nil {
		return err
	}
	_, err = v.WriteCluster(span.End.Cluster, span.End.Offset, raw)
	return err
}
