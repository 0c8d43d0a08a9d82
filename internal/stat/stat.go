// Package stat mirrors the subset of POSIX stat(2) information the
// syscall layer hands back to user space.
package stat

import "time"

// Stat describes one filesystem entry as reported by Fs_stat / dir_list.
type Stat struct {
	dev       uint64
	cluster   uint32
	mode      uint32
	size      uint64
	created   time.Time
	accessed  time.Time
	modified  time.Time
	isDir     bool
}

// SetDevice records the owning partition's device id.
func (s *Stat) SetDevice(v uint64) { s.dev = v }

// SetCluster records the entry's starting cluster.
func (s *Stat) SetCluster(v uint32) { s.cluster = v }

// SetMode records the file mode bits.
func (s *Stat) SetMode(v uint32) { s.mode = v }

// SetSize records the file size in bytes.
func (s *Stat) SetSize(v uint64) { s.size = v }

// SetDir marks the entry as a directory.
func (s *Stat) SetDir(v bool) { s.isDir = v }

// SetTimes records the FAT32 created/accessed/modified timestamps.
func (s *Stat) SetTimes(created, accessed, modified time.Time) {
	s.created, s.accessed, s.modified = created, accessed, modified
}

// Device returns the owning partition's device id.
func (s *Stat) Device() uint64 { return s.dev }

// Cluster returns the entry's starting cluster.
func (s *Stat) Cluster() uint32 { return s.cluster }

// Mode returns the file mode bits.
func (s *Stat) Mode() uint32 { return s.mode }

// Size returns the file size in bytes.
func (s *Stat) Size() uint64 { return s.size }

// IsDir reports whether the entry is a directory.
func (s *Stat) IsDir() bool { return s.isDir }

// Created returns the entry's creation timestamp.
func (s *Stat) Created() time.Time { return s.created }

// Accessed returns the entry's last-accessed timestamp.
func (s *Stat) Accessed() time.Time { return s.accessed }

// Modified returns the entry's last-modified timestamp.
func (s *Stat) Modified() time.Time { return s.modified }
