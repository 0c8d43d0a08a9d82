package fat32

import (
	"sync"

	"wafer/internal/cache"
	"wafer/internal/errs"
)

// Pos is a byte position inside a cluster chain (spec.md §3).
type Pos struct {
	Cluster uint32
	Offset  uint32
}

// Range identifies the directory-entry span for a file/dir so it can
// be invalidated on delete (spec.md §3).
type Range struct {
	Start Pos
	End   Pos
}

// VFAT is the shared, mutex-guarded handle to one mounted FAT32
// volume (spec.md §3: "VFAT shares its state through an
// interior-mutable handle ... multiple files/dirs hold handles but
// serialize access via a mutex"). Grounded on biscuit's Ufs_t, which
// plays the same role over biscuit's native filesystem.
type VFAT struct {
	mu        sync.Mutex
	part      *cache.Partition
	bpb       *BPB
	fat       *fatTable
	partStart uint32
}

// Mount parses the BPB at the partition's first sector and builds a
// VFAT handle over it (spec.md §4.3).
func Mount(part *cache.Partition, partStart uint32) (*VFAT, error) {
	sector := make([]byte, part.LogicalSectorSize())
	if err := part.ReadSector(int(partStart), sector); err != nil {
		return nil, errs.Wrap(errs.KindCorrupt, err, "fat32: BPB read failed")
	}
	bpb, err := ParseBPB(sector[:bpbSize])
	if err != nil {
		return nil, err
	}
	dataSectors := bpb.TotSec32 - bpb.DataStart()
	numClusters := dataSectors/uint32(bpb.SecPerClus) + 2
	fat := newFatTable(part, partStart, bpb.FatStart(), numClusters)
	return &VFAT{part: part, bpb: bpb, fat: fat, partStart: partStart}, nil
}

// RootCluster is the root directory's starting cluster.
func (v *VFAT) RootCluster() uint32 { return v.bpb.RootClus }

// Flush writes back every dirty sector of the underlying partition
// cache (spec.md §4.2, called at unmount/sync).
func (v *VFAT) Flush() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.part.Flush()
}

// forEachSector walks the logical sectors covering [off, off+n) within
// cluster c, invoking do with each sector's absolute number, the
// within-sector byte offset, the window length, and where that window
// starts within the overall [0,n) transfer — shared plumbing for
// ReadCluster/WriteCluster (spec.md §4.3: "crossing sector boundaries
// within the cluster").
func (v *VFAT) forEachSector(c uint32, off uint32, n int, do func(sector uint32, sectorOff, bufOff, want int) error) (int, error) {
	secSize := uint32(v.part.LogicalSectorSize())
	clusterStart := v.partStart + v.bpb.ClusterSector(c)
	cur := off
	done := 0
	for done < n {
		sector := clusterStart + cur/secSize
		sectorOff := int(cur % secSize)
		want := int(secSize) - sectorOff
		if want > n-done {
			want = n - done
		}
		if err := do(sector, sectorOff, done, want); err != nil {
			return done, err
		}
		done += want
		cur += uint32(want)
	}
	return done, nil
}

// ReadCluster reads up to min(len(buf), bytesPerCluster-off) bytes
// from cluster c starting at byte offset off, crossing sector
// boundaries within the cluster (spec.md §4.3).
func (v *VFAT) ReadCluster(c uint32, off uint32, buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	max := v.bpb.BytesPerCluster() - off
	want := len(buf)
	if uint32(want) > max {
		want = int(max)
	}
	return v.forEachSector(c, off, want, func(sector uint32, sectorOff, bufOff, n int) error {
		tmp := make([]byte, v.part.LogicalSectorSize())
		if err := v.part.ReadSector(int(sector), tmp); err != nil {
			return errs.Wrap(errs.KindTransient, err, "fat32: cluster read failed")
		}
		copy(buf[bufOff:bufOff+n], tmp[sectorOff:sectorOff+n])
		return nil
	})
}

// WriteCluster writes up to min(len(buf), bytesPerCluster-off) bytes
// to cluster c starting at byte offset off (spec.md §4.3, symmetric
// to ReadCluster).
func (v *VFAT) WriteCluster(c uint32, off uint32, buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	max := v.bpb.BytesPerCluster() - off
	want := len(buf)
	if uint32(want) > max {
		want = int(max)
	}
	return v.forEachSector(c, off, want, func(sector uint32, sectorOff, bufOff, n int) error {
		tmp := make([]byte, v.part.LogicalSectorSize())
		if err := v.part.ReadSector(int(sector), tmp); err != nil {
			return errs.Wrap(errs.KindTransient, err, "fat32: cluster read-modify-write failed")
		}
		copy(tmp[sectorOff:sectorOff+n], buf[bufOff:bufOff+n])
		if err := v.part.WriteSector(int(sector), tmp); err != nil {
			return errs.Wrap(errs.KindTransient, err, "fat32: cluster write failed")
		}
		return nil
	})
}

// chainNext returns the next cluster in c's chain, or ok=false at Eoc.
func (v *VFAT) chainNext(c uint32) (next uint32, ok bool, err error) {
	v.mu.Lock()
	e, err := v.fat.get(c)
	v.mu.Unlock()
	if err != nil {
		return 0, false, err
	}
	switch e.Kind {
	case KindData:
		return e.Next, true, nil
	case KindEoc:
		return 0, false, nil
	default:
		return 0, false, errs.New(errs.KindCorrupt, "fat32: chain walked into a non-data, non-eoc entry")
	}
}

// ReadChain reads len(buf) bytes starting at pos, walking the
// Data→Eoc chain (spec.md §4.3).
func (v *VFAT) ReadChain(pos Pos, buf []byte) (int, error) {
	total := 0
	c, off := pos.Cluster, pos.Offset
	for total < len(buf) {
		n, err := v.ReadCluster(c, off, buf[total:])
		if err != nil {
			return total, err
		}
		total += n
		if total >= len(buf) {
			break
		}
		next, ok, err := v.chainNext(c)
		if err != nil {
			return total, err
		}
		if !ok {
			break
		}
		c, off = next, 0
	}
	return total, nil
}

// Seek advances base by offset bytes across cluster boundaries,
// following the chain; fails with InvalidInput if the chain ends
// before offset is reached (spec.md §4.3).
func (v *VFAT) Seek(base Pos, offset uint32) (Pos, error) {
	bpc := v.bpb.BytesPerCluster()
	c, off := base.Cluster, base.Offset+offset
	for off >= bpc {
		next, ok, err := v.chainNext(c)
		if err != nil {
			return Pos{}, err
		}
		if !ok {
			return Pos{}, errs.New(errs.KindInvalidInput, "fat32: seek past end of chain")
		}
		off -= bpc
		c = next
	}
	return Pos{Cluster: c, Offset: off}, nil
}

// SeekAndExtend is like Seek but allocates and links in fresh clusters
// rather than failing when the chain runs out (spec.md §4.3).
func (v *VFAT) SeekAndExtend(base Pos, offset uint32) (Pos, error) {
	bpc := v.bpb.BytesPerCluster()
	c, off := base.Cluster, base.Offset+offset
	for off >= bpc {
		next, ok, err := v.chainNext(c)
		if err != nil {
			return Pos{}, err
		}
		if !ok {
			v.mu.Lock()
			newC, err := v.fat.allocCluster(FatEntry{Kind: KindEoc})
			if err == nil {
				err = v.fat.set(c, FatEntry{Kind: KindData, Next: newC})
			}
			v.mu.Unlock()
			if err != nil {
				return Pos{}, err
			}
			next = newC
		}
		off -= bpc
		c = next
	}
	return Pos{Cluster: c, Offset: off}, nil
}

// AllocClusterChain allocates a single fresh cluster terminated by
// Eoc, zeroing it — used to create new files/dirs (spec.md §4.3).
func (v *VFAT) AllocClusterChain() (uint32, error) {
	v.mu.Lock()
	c, err := v.fat.allocCluster(FatEntry{Kind: KindEoc})
	v.mu.Unlock()
	if err != nil {
		return 0, err
	}
	zero := make([]byte, v.bpb.BytesPerCluster())
	if _, err := v.WriteCluster(c, 0, zero); err != nil {
		return 0, err
	}
	return c, nil
}

// FreeChain walks c's chain end to end, marking every cluster Free
// (spec.md §4.3 Delete: "frees the cluster chain").
func (v *VFAT) FreeChain(c uint32) error {
	for {
		next, ok, err := v.chainNext(c)
		if err != nil {
			return err
		}
		v.mu.Lock()
		ferr := v.fat.freeCluster(c)
		v.mu.Unlock()
		if ferr != nil {
			return ferr
		}
		if !ok {
			return nil
		}
		c = next
	}
}

// BytesPerCluster exposes the volume's cluster size.
func (v *VFAT) BytesPerCluster() uint32 { return v.bpb.BytesPerCluster() }
