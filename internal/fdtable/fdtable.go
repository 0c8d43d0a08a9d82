// Package fdtable implements FDT (spec.md §4.5): a global table of open
// file descriptors, refcounted and path-busy-tracked, plus per-process
// owned FD sets. Grounded on biscuit's fd.Fd_t/Cwd_t (internal/fd/fd.go)
// generalized from biscuit's per-process open-table model to the
// spec's single global table with a path-busy invariant.
package fdtable

import (
	"sync"

	"wafer/internal/errs"
)

// Fd is a process-visible file descriptor number.
type Fd int

// Entry is one open file in the global table (spec.md §4.5).
type Entry struct {
	File    File
	Path    string
	refs    int
}

// File is whatever VFAT/CACHE hands back from an open call; fdtable
// never looks inside it beyond Close.
type File interface {
	Close() error
}

// Table is the single global descriptor table (spec.md §3's FDT).
type Table struct {
	mu      sync.Mutex
	next    Fd
	entries map[Fd]*Entry
	busy    map[string]bool
}

// New constructs an empty table.
func New() *Table {
	return &Table{
		entries: make(map[Fd]*Entry),
		busy:    make(map[string]bool),
	}
}

// Open allocates a new Fd for an already-opened File at path, failing
// with KindBusy if path is already open anywhere in the table
// (spec.md §4.5: "fails ... if path is already open").
func (t *Table) Open(path string, f File) (Fd, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.busy[path] {
		// spec.md §4.5 calls this PermissionDenied while §7's taxonomy
		// buckets "opening an already-open path" under already-exists/
		// busy; the two disagree. Deliberately siding with §7 and
		// KindBusy here, since "busy" is the more specific and more
		// useful signal to a caller than a blanket permission error.
		return 0, errs.New(errs.KindBusy, "fdtable: path already open")
	}
	t.next++
	fd := t.next
	t.entries[fd] = &Entry{File: f, Path: path, refs: 1}
	t.busy[path] = true
	return fd, nil
}

// Duplicate increments fd's refcount (spec.md §4.5).
func (t *Table) Duplicate(fd Fd) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fd]
	if !ok {
		return errs.New(errs.KindNotFound, "fdtable: no such descriptor")
	}
	e.refs++
	return nil
}

// Close decrements fd's refcount, removing the entry and clearing the
// path-busy flag when it reaches zero (spec.md §4.5).
func (t *Table) Close(fd Fd) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[fd]
	if !ok {
		return errs.New(errs.KindNotFound, "fdtable: no such descriptor")
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(t.entries, fd)
	delete(t.busy, e.Path)
	return e.File.Close()
}

// Critical invokes f on fd's File iff fd is owned by the given
// ProcSet, otherwise returns KindNotFound (spec.md §4.5).
func (t *Table) Critical(owned *ProcSet, fd Fd, f func(File) error) error {
	if !owned.owns(fd) {
		return errs.New(errs.KindNotFound, "fdtable: descriptor not owned by process")
	}
	t.mu.Lock()
	e, ok := t.entries[fd]
	t.mu.Unlock()
	if !ok {
		return errs.New(errs.KindNotFound, "fdtable: no such descriptor")
	}
	return f(e.File)
}

// ProcSet tracks which Fds a single process owns (spec.md §4.5).
type ProcSet struct {
	mu  sync.Mutex
	set map[Fd]struct{}
}

// NewProcSet constructs an empty owned-FD set.
func NewProcSet() *ProcSet {
	return &ProcSet{set: make(map[Fd]struct{})}
}

// Add records that the process owns fd.
func (p *ProcSet) Add(fd Fd) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set[fd] = struct{}{}
}

// Remove drops fd from the owned set, e.g. after Close.
func (p *ProcSet) Remove(fd Fd) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.set, fd)
}

func (p *ProcSet) owns(fd Fd) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.set[fd]
	return ok
}

// All returns a snapshot of every Fd the process currently owns.
func (p *ProcSet) All() []Fd {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Fd, 0, len(p.set))
	for fd := range p.set {
		out = append(out, fd)
	}
	return out
}

// Clone duplicates every Fd in p into a fresh ProcSet, bumping each
// one's table refcount — used by fork (spec.md §4.5: "cloning the
// process duplicates all of them").
func (p *ProcSet) Clone(t *Table) (*ProcSet, error) {
	p.mu.Lock()
	fds := make([]Fd, 0, len(p.set))
	for fd := range p.set {
		fds = append(fds, fd)
	}
	p.mu.Unlock()

	child := NewProcSet()
	for _, fd := range fds {
		if err := t.Duplicate(fd); err != nil {
			return nil, err
		}
		child.Add(fd)
	}
	return child, nil
}

// CloseAll closes every Fd the process owns — used when a process
// exits (spec.md §4.5: "dropping the process closes all of them").
func (p *ProcSet) CloseAll(t *Table) {
	for _, fd := range p.All() {
		_ = t.Close(fd)
		p.Remove(fd)
	}
}
