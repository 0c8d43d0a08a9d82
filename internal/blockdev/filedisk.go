package blockdev

import (
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"wafer/internal/errs"
)

// FileDisk backs a Disk with a regular host file — the disk-image
// file cmd/kernel and cmd/mkfs operate on when developing off real
// hardware. It opens with O_DIRECT where the platform supports it and
// fdatasyncs after every write, so the simulated device has the same
// durability contract a real SD controller gives the cache layer
// above it (spec.md §4.2 — dirty sectors must round-trip to disk).
type FileDisk struct {
	f          *os.File
	sectorSize int
	numSectors int
}

// OpenFileDisk opens path as a FileDisk with the given sector size.
func OpenFileDisk(path string, sectorSize int) (*FileDisk, error) {
	flags := os.O_RDWR
	if direct := directFlag(); direct != 0 {
		flags |= direct
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		// O_DIRECT is frequently unsupported (tmpfs, non-Linux); retry
		// without it rather than fail the whole boot over a durability
		// nicety.
		f, err = os.OpenFile(path, os.O_RDWR, 0644)
		if err != nil {
			return nil, errs.Wrap(errs.KindTransient, err, "blockdev: open disk image")
		}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindTransient, err, "blockdev: stat disk image")
	}
	return &FileDisk{f: f, sectorSize: sectorSize, numSectors: int(fi.Size()) / sectorSize}, nil
}

func directFlag() int {
	if runtime.GOOS == "linux" {
		return unix.O_DIRECT
	}
	return 0
}

func (d *FileDisk) SectorSize() int { return d.sectorSize }
func (d *FileDisk) NumSectors() int { return d.numSectors }

func (d *FileDisk) ReadSector(n int, buf []byte) error {
	if err := checkSector(n, d.numSectors); err != nil {
		return err
	}
	if len(buf) < d.sectorSize {
		return errShortBuffer
	}
	_, err := d.f.ReadAt(buf[:d.sectorSize], int64(n)*int64(d.sectorSize))
	if err != nil {
		return errs.Wrap(errs.KindTransient, err, "blockdev: read sector")
	}
	return nil
}

func (d *FileDisk) WriteSector(n int, buf []byte) error {
	if err := checkSector(n, d.numSectors); err != nil {
		return err
	}
	if len(buf) < d.sectorSize {
		return errShortBuffer
	}
	if _, err := d.f.WriteAt(buf[:d.sectorSize], int64(n)*int64(d.sectorSize)); err != nil {
		return errs.Wrap(errs.KindTransient, err, "blockdev: write sector")
	}
	if err := datasync(d.f); err != nil {
		return errs.Wrap(errs.KindTransient, err, "blockdev: fdatasync")
	}
	return nil
}

func datasync(f *os.File) error {
	if runtime.GOOS != "linux" {
		return f.Sync()
	}
	return unix.Fdatasync(int(f.Fd()))
}

// Close closes the backing file.
func (d *FileDisk) Close() error { return d.f.Close() }
