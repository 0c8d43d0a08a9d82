// Package cache implements CACHE (spec.md §4.2): a sector-granularity
// write-back cache over a block device, one instance per mounted
// partition. Grounded on biscuit's fs.Bdev_block_t (a cached,
// refcounted disk block) but simplified to the single-core,
// synchronous model spec.md §4.2 actually describes — no async
// request queue, no log/journal (an explicit Non-goal, spec.md §1).
package cache

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"wafer/internal/blockdev"
	"wafer/internal/errs"
	"wafer/internal/klog"
)

var log = klog.For("cache")

// entry is one resident logical sector.
type entry struct {
	bytes []byte
	dirty bool
}

// Partition is a write-back sector cache over one mounted partition's
// block device (spec.md §3, CacheEntry).
type Partition struct {
	mu      sync.Mutex
	disk    blockdev.Disk
	factor  int // logical_sector_size / device_sector_size
	logSize int
	entries map[int]*entry
	sf      singleflight.Group
}

// Mount creates a Partition over disk with the given logical sector
// size. factor = logicalSectorSize / disk.SectorSize() must be a
// positive integer (spec.md §4.2).
func Mount(disk blockdev.Disk, logicalSectorSize int) (*Partition, error) {
	devSize := disk.SectorSize()
	if devSize <= 0 || logicalSectorSize%devSize != 0 {
		return nil, errs.New(errs.KindInvalidInput, "cache: logical sector size not a multiple of device sector size")
	}
	return &Partition{
		disk:    disk,
		factor:  logicalSectorSize / devSize,
		logSize: logicalSectorSize,
		entries: make(map[int]*entry),
	}, nil
}

// LogicalSectorSize returns the partition's logical sector size.
func (p *Partition) LogicalSectorSize() int { return p.logSize }

// fetch loads logical sector n from disk, fanning out to factor
// physical sector reads (spec.md §4.2). Concurrent callers asking for
// the same sector collapse into a single physical fetch via
// singleflight, matching the cache's "authoritative while resident"
// invariant without a coarser lock.
func (p *Partition) fetch(n int) (*entry, error) {
	v, err, _ := p.sf.Do(sfKey(n), func() (interface{}, error) {
		buf := make([]byte, p.logSize)
		physStart := n * p.factor
		devSize := p.disk.SectorSize()
		for i := 0; i < p.factor; i++ {
			if err := p.disk.ReadSector(physStart+i, buf[i*devSize:(i+1)*devSize]); err != nil {
				return nil, errs.Wrap(errs.KindTransient, err, "cache: physical read failed")
			}
		}
		return &entry{bytes: buf}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

func sfKey(n int) string {
	// singleflight keys are strings; a fixed-width hex encoding avoids
	// any chance of collision between distinct sector numbers.
	const hexdigits = "0123456789abcdef"
	var buf [16]byte
	u := uint64(n)
	for i := 15; i >= 0; i-- {
		buf[i] = hexdigits[u&0xf]
		u >>= 4
	}
	return string(buf[:])
}

// ReadSector reads logical sector n into buf, fetching from disk on a
// miss (spec.md §4.2). Reads never bypass the cache.
func (p *Partition) ReadSector(n int, buf []byte) error {
	if len(buf) < p.logSize {
		return errs.New(errs.KindInvalidInput, "cache: buffer shorter than logical sector")
	}
	p.mu.Lock()
	e, ok := p.entries[n]
	p.mu.Unlock()
	if !ok {
		var err error
		e, err = p.fetch(n)
		if err != nil {
			return err
		}
		p.mu.Lock()
		if existing, raced := p.entries[n]; raced {
			e = existing
		} else {
			p.entries[n] = e
		}
		p.mu.Unlock()
	}
	copy(buf, e.bytes)
	return nil
}

// WriteSector fetches-on-miss then overwrites and marks the sector
// dirty (spec.md §4.2); durability is deferred to Flush.
func (p *Partition) WriteSector(n int, buf []byte) error {
	if len(buf) < p.logSize {
		return errs.New(errs.KindInvalidInput, "cache: buffer shorter than logical sector")
	}
	p.mu.Lock()
	e, ok := p.entries[n]
	p.mu.Unlock()
	if !ok {
		var err error
		e, err = p.fetch(n)
		if err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// Re-check under the lock: another writer may have raced us past
	// the fetch above and already installed an entry.
	if existing, raced := p.entries[n]; raced {
		e = existing
	} else {
		p.entries[n] = e
	}
	copy(e.bytes, buf[:p.logSize])
	e.dirty = true
	return nil
}

// Flush writes back every dirty entry in ascending sector order
// (spec.md §4.2).
func (p *Partition) Flush() error {
	p.mu.Lock()
	ns := make([]int, 0, len(p.entries))
	for n, e := range p.entries {
		if e.dirty {
			ns = append(ns, n)
		}
	}
	p.mu.Unlock()
	sortInts(ns)

	for _, n := range ns {
		p.mu.Lock()
		e := p.entries[n]
		buf := append([]byte(nil), e.bytes...)
		p.mu.Unlock()

		physStart := n * p.factor
		devSize := p.disk.SectorSize()
		for i := 0; i < p.factor; i++ {
			if err := p.disk.WriteSector(physStart+i, buf[i*devSize:(i+1)*devSize]); err != nil {
				return errs.Wrap(errs.KindTransient, err, "cache: physical write failed")
			}
		}
		p.mu.Lock()
		if cur, ok := p.entries[n]; ok {
			cur.dirty = false
		}
		p.mu.Unlock()
	}
	return nil
}

// Drop flushes and releases all cached entries, as required before
// unmounting a partition (spec.md §4.2, §5).
func (p *Partition) Drop() error {
	if err := p.Flush(); err != nil {
		log.Warningf("drop: flush failed: %v", err)
		return err
	}
	p.mu.Lock()
	p.entries = make(map[int]*entry)
	p.mu.Unlock()
	return nil
}

func sortInts(a []int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j-1] > a[j]; j-- {
			a[j-1], a[j] = a[j], a[j-1]
		}
	}
}
