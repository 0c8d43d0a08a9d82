// Package mount implements the kernel's mount map: a longest-prefix
// route from an absolute path to the VFAT handle responsible for it
// (spec.md §4.4).
package mount

import (
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"wafer/internal/blockdev"
	"wafer/internal/cache"
	"wafer/internal/errs"
	"wafer/internal/fat32"
	"wafer/internal/ustr"
)

// Options records how a mount's underlying block device was opened.
// The encryption itself happens one layer down, in the blockdev.Encrypted
// wrapper applied before CACHE/VFAT ever see the device (spec.md §4.4,
// §6) -- Options just remembers which kind of device backs this mount,
// for diagnostics.
type Options struct {
	Encrypted bool
}

type mountEntry struct {
	path      string // normalized: no trailing slash, except "/" itself
	vfat      *fat32.VFAT
	part      *cache.Partition
	partIndex int
	opts      Options
}

// Map is the mount table. The zero value is not usable; use NewMap.
type Map struct {
	mu      sync.Mutex
	entries map[string]*mountEntry
	mbr     *blockdev.MBR
}

// NewMap returns an empty mount map.
func NewMap() *Map {
	return &Map{entries: make(map[string]*mountEntry)}
}

// SetMBR records the MBR read at boot, cached for partition-size
// reporting (spec.md §3 MountMap: "one MBR is cached for reporting
// partition sizes").
func (m *Map) SetMBR(mbr *blockdev.MBR) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mbr = mbr
}

// MBR returns the cached MBR, or nil if none has been set.
func (m *Map) MBR() *blockdev.MBR {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mbr
}

func normalize(p ustr.Ustr) string {
	s := p.String()
	if s != "/" {
		s = strings.TrimRight(s, "/")
	}
	if s == "" {
		s = "/"
	}
	return s
}

// Mount attaches vfat (backed by part, the partIndex'th MBR partition)
// at path. Root must be mounted first; every later mount point must
// resolve, through the map as it stands, to an existing directory.
// Duplicate mount points and duplicate partition numbers are rejected
// (spec.md §4.4).
func (m *Map) Mount(path ustr.Ustr, vfat *fat32.VFAT, part *cache.Partition, partIndex int, opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := normalize(path)

	if _, dup := m.entries[key]; dup {
		return errs.New(errs.KindExists, "mount: duplicate mount point")
	}
	for _, e := range m.entries {
		if e.partIndex == partIndex {
			return errs.New(errs.KindExists, "mount: duplicate partition number")
		}
	}

	if len(m.entries) == 0 {
		if key != "/" {
			return errs.New(errs.KindInvalidInput, "mount: root must be mounted first")
		}
	} else if key != "/" {
		target, local, err := m.routeLocked(ustr.New(key))
		if err != nil {
			return err
		}
		oe, err := target.Open(local)
		if err != nil {
			return errs.Wrap(errs.KindInvalidInput, err, "mount: mount point does not resolve to an existing directory")
		}
		if !oe.IsDir() {
			return errs.New(errs.KindInvalidInput, "mount: mount point is not a directory")
		}
	}

	m.entries[key] = &mountEntry{path: key, vfat: vfat, part: part, partIndex: partIndex, opts: opts}
	return nil
}

// Unmount detaches the mount at path, refusing if path is itself the
// prefix of another live mount ("target busy"), and flushes the
// departing partition first (spec.md §4.4).
func (m *Map) Unmount(path ustr.Ustr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := normalize(path)
	e, ok := m.entries[key]
	if !ok {
		return errs.New(errs.KindNotFound, "mount: not a mount point")
	}
	for p := range m.entries {
		if p == key {
			continue
		}
		if key == "/" || strings.HasPrefix(p, key+"/") {
			return errs.New(errs.KindBusy, "mount: target busy")
		}
	}

	if err := e.vfat.Flush(); err != nil {
		return err
	}
	delete(m.entries, key)
	return nil
}

// Route resolves path to its covering VFAT handle and the local path
// within it (path with the mount-point prefix stripped), choosing the
// longest matching mount-point prefix (spec.md §4.4).
func (m *Map) Route(path ustr.Ustr) (*fat32.VFAT, ustr.Ustr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routeLocked(path)
}

func (m *Map) routeLocked(path ustr.Ustr) (*fat32.VFAT, ustr.Ustr, error) {
	key := normalize(path)

	var best *mountEntry
	for p, e := range m.entries {
		if p == "/" {
			if best == nil {
				best = e
			}
			continue
		}
		if key == p || strings.HasPrefix(key, p+"/") {
			if best == nil || len(p) > len(best.path) {
				best = e
			}
		}
	}
	if best == nil {
		return nil, nil, errs.New(errs.KindNotFound, "mount: no mount point covers path")
	}

	local := strings.TrimPrefix(key, best.path)
	if local == "" || !strings.HasPrefix(local, "/") {
		local = "/" + local
	}
	return best.vfat, ustr.New(local), nil
}

// MountInfo is one live mount map entry, reported read-only for
// diagnostics (internal/diag's lsblk-style listing).
type MountInfo struct {
	Path      string
	PartIndex int
	Encrypted bool
}

// List reports every live mount.
func (m *Map) List() []MountInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MountInfo, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, MountInfo{Path: e.path, PartIndex: e.partIndex, Encrypted: e.opts.Encrypted})
	}
	return out
}

// FlushAll concurrently flushes every mounted partition's cache, used
// at shutdown/unmount-all (spec.md §2 domain stack: errgroup-driven
// concurrent flush).
func (m *Map) FlushAll() error {
	m.mu.Lock()
	vfats := make([]*fat32.VFAT, 0, len(m.entries))
	for _, e := range m.entries {
		vfats = append(vfats, e.vfat)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, v := range vfats {
		v := v
		g.Go(v.Flush)
	}
	return g.Wait()
}
