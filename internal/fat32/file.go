package fat32

import (
	"sync"

	"wafer/internal/errs"
)

// Whence values for File.Seek (spec.md §4.3 Files: "seek supports
// Start/Current/End").
const (
	SeekStart = iota
	SeekCurrent
	SeekEnd
)

// File is an open regular file: its directory-entry span (to rewrite
// on write, invalidate on delete), current cluster chain, and
// in-memory cursor (spec.md §3 Pos, §4.3 Files).
type File struct {
	mu       sync.Mutex
	v        *VFAT
	span     Range
	cluster  uint32 // first cluster of the chain, 0 if empty
	size     uint32
	pos      uint32 // byte offset from start of file
}

// OpenFile wraps a resolved OpenEntry as a readable/writable File.
func OpenFile(v *VFAT, e OpenEntry) (*File, error) {
	if e.IsDir() {
		return nil, errs.New(errs.KindInvalidInput, "fat32: is a directory")
	}
	return &File{
		v:       v,
		span:    e.Slot.Span,
		cluster: e.Slot.Entry.Cluster(),
		size:    e.Slot.Entry.FileSize,
	}, nil
}

// Size reports the file's current byte length.
func (f *File) Size() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// Read copies from the chain starting at the file's current Pos,
// bounded by file_size − amt_read (spec.md §4.3 Files).
func (f *File) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pos >= f.size {
		return 0, nil
	}
	want := len(buf)
	if remain := f.size - f.pos; uint32(want) > remain {
		want = int(remain)
	}
	if f.cluster == 0 || want == 0 {
		return 0, nil
	}
	pos, err := f.v.Seek(Pos{Cluster: f.cluster}, f.pos)
	if err != nil {
		return 0, err
	}
	n, err := f.v.ReadChain(pos, buf[:want])
	f.pos += uint32(n)
	return n, err
}

// Write extends the chain via SeekAndExtend, writes through, then
// updates the file's in-memory metadata and rewrites the directory
// entry with the new size (spec.md §4.3 Files).
func (f *File) Write(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cluster == 0 {
		c, err := f.v.AllocClusterChain()
		if err != nil {
			return 0, err
		}
		f.cluster = c
	}

	total := 0
	for total < len(buf) {
		pos, err := f.v.SeekAndExtend(Pos{Cluster: f.cluster}, f.pos)
		if err != nil {
			return total, err
		}
		n, err := f.v.WriteCluster(pos.Cluster, pos.Offset, buf[total:])
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, errs.New(errs.KindOOM, "fat32: write made no progress")
		}
		total += n
		f.pos += uint32(n)
	}
	if f.pos > f.size {
		f.size = f.pos
	}
	if err := f.v.updateSize(f.span, f.cluster, f.size); err != nil {
		return total, err
	}
	return total, nil
}

// Append moves the cursor to the current end of file before writing,
// matching the CLI's `append` command (spec.md §6).
func (f *File) Append(buf []byte) (int, error) {
	f.mu.Lock()
	f.pos = f.size
	f.mu.Unlock()
	return f.Write(buf)
}

// Seek repositions the cursor; seeks beyond size fail with
// InvalidInput (spec.md §4.3 Files).
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var base int64
	switch whence {
	case SeekStart:
		base = 0
	case SeekCurrent:
		base = int64(f.pos)
	case SeekEnd:
		base = int64(f.size)
	default:
		return 0, errs.New(errs.KindInvalidInput, "fat32: bad seek whence")
	}
	newPos := base + offset
	if newPos < 0 || newPos > int64(f.size) {
		return 0, errs.New(errs.KindInvalidInput, "fat32: seek beyond file size")
	}
	f.pos = uint32(newPos)
	return newPos, nil
}

// Close is a no-op beyond satisfying fdtable.File: durability is the
// cache's responsibility (Flush/Drop), not the open file's.
func (f *File) Close() error { return nil }
