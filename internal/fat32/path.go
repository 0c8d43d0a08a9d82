package fat32

import (
	"wafer/internal/errs"
	"wafer/internal/stat"
	"wafer/internal/ustr"
)

// OpenEntry is the resolved result of a path walk: the component's
// directory slot together with the cluster of the directory it lives
// in (needed to rewrite its entry on write, or invalidate it on
// delete).
type OpenEntry struct {
	Slot          dirSlot
	ParentCluster uint32
}

// IsDir reports whether the resolved entry is a directory.
func (o OpenEntry) IsDir() bool { return o.Slot.Entry.Attr&AttrDir != 0 }

// Open walks p's components from the root directory, requiring an
// absolute path and case-insensitive matching at every step (spec.md
// §4.3 Path open).
func (v *VFAT) Open(p ustr.Ustr) (OpenEntry, error) {
	if !p.IsAbsolute() {
		return OpenEntry{}, errs.New(errs.KindInvalidInput, "fat32: path must be absolute")
	}
	comps := p.Components()
	if len(comps) == 0 {
		return OpenEntry{}, errs.New(errs.KindInvalidInput, "fat32: cannot open the root directory itself")
	}

	cluster := v.RootCluster()
	parent := cluster
	var slot *dirSlot
	for i, comp := range comps {
		s, err := v.find(cluster, comp.String())
		if err != nil {
			return OpenEntry{}, err
		}
		if i < len(comps)-1 && s.Entry.Attr&AttrDir == 0 {
			return OpenEntry{}, errs.New(errs.KindInvalidInput, "fat32: non-directory in a non-terminal path component")
		}
		parent = cluster
		slot = s
		if s.Entry.Attr&AttrDir != 0 {
			cluster = s.Entry.Cluster()
			if cluster == 0 {
				cluster = v.RootCluster()
			}
		}
	}
	return OpenEntry{Slot: *slot, ParentCluster: parent}, nil
}

// Stat resolves p and reports its metadata (spec.md §6 fs_* metadata
// syscall).
func (v *VFAT) Stat(p ustr.Ustr, dev uint64) (stat.Stat, error) {
	e, err := v.Open(p)
	if err != nil {
		return stat.Stat{}, err
	}
	return e.Slot.Entry.ToStat(dev), nil
}

// Ls lists the live entries of a directory, given its cluster (spec.md
// §4.3 Directories; the CLI's `ls`).
func (v *VFAT) Ls(dirCluster uint32) ([]string, error) {
	entries, err := v.listDir(dirCluster)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}
