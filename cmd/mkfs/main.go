// Command mkfs builds and encrypts disk images for the kernel:
// a format subcommand lays down a fresh MBR + single-partition FAT32
// volume (spec.md §4.3, §6), and a mkcrypt subcommand applies
// blockdev's AES-128-ECB wrapping to an existing image, either
// header-only or full-partition (spec.md §6, SPEC_FULL.md's
// encryption-setup supplement). Grounded on biscuit's mkbdisk.go/
// mkfs.go host tools, generalized to this module's cache/fat32/
// blockdev split, and on the go-flags subcommand idiom used by the
// example corpus's own multi-mode CLIs.
package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	flags "github.com/jessevdk/go-flags"
	"github.com/go-restruct/restruct"

	"wafer/internal/blockdev"
	"wafer/internal/fat32"
)

const sectorSize = 512

// formatCmd lays down a fresh FAT32 volume inside a one-partition MBR
// disk image.
type formatCmd struct {
	Output string `short:"o" long:"output" description:"disk image path to create" required:"true"`
	Size   string `long:"size" description:"total image size" default:"64MiB"`
	Label  string `long:"label" description:"volume label" default:"WAFERFS"`
}

func (c *formatCmd) Execute(args []string) error {
	totalBytes, err := humanize.ParseBytes(c.Size)
	if err != nil {
		return fmt.Errorf("mkfs: bad --size %q: %w", c.Size, err)
	}
	totalSectors := uint32(totalBytes / sectorSize)
	if totalSectors < 256 {
		return fmt.Errorf("mkfs: image too small: need at least %d sectors, got %d", 256, totalSectors)
	}

	const (
		rsvd       = 32
		secPerClus = 1
		partStart  = uint32(1) // sector 0 is the MBR itself
	)
	partSectors := totalSectors - partStart

	// One FAT entry is 4 bytes; size the FAT generously enough to
	// cover every data sector, then recompute the data region that
	// remains once the FAT itself has been carved out.
	fatSz := (partSectors/secPerClus*4 + sectorSize - 1) / sectorSize
	for {
		dataSectors := partSectors - rsvd - fatSz
		need := (dataSectors/secPerClus*4 + sectorSize - 1) / sectorSize
		if need <= fatSz {
			break
		}
		fatSz = need
	}

	f, err := os.Create(c.Output)
	if err != nil {
		return fmt.Errorf("mkfs: create %s: %w", c.Output, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(totalSectors) * sectorSize); err != nil {
		return fmt.Errorf("mkfs: truncate %s: %w", c.Output, err)
	}

	mbr := &blockdev.MBR{}
	mbr.Partitions[0] = blockdev.PartitionEntry{
		BootIndicator: 0x00,
		PartitionType: blockdev.PartTypeFAT32LBA,
		StartLBA:      partStart,
		NumSectors:    partSectors,
	}
	mbr.Signature = 0xAA55
	mbrBytes, err := mbr.Encode()
	if err != nil {
		return fmt.Errorf("mkfs: encode MBR: %w", err)
	}
	if _, err := f.WriteAt(mbrBytes, 0); err != nil {
		return fmt.Errorf("mkfs: write MBR: %w", err)
	}

	bpb := &fat32.BPB{
		BytesPerSec: sectorSize,
		SecPerClus:  secPerClus,
		RsvdSecCnt:  rsvd,
		NumFATs:     1,
		FATSz32:     fatSz,
		RootClus:    2,
		TotSec32:    partSectors,
		Media:       0xF8,
		DrvNum:      0x80,
		BootSig:     0x29,
		FilSysType:  [8]byte{'F', 'A', 'T', '3', '2', ' ', ' ', ' '},
		Signature:   0xAA55,
	}
	copy(bpb.VolLab[:], padLabel(c.Label))

	bpbBytes, err := restruct.Pack(binary.LittleEndian, bpb)
	if err != nil {
		return fmt.Errorf("mkfs: encode BPB: %w", err)
	}
	if _, err := f.WriteAt(bpbBytes, int64(partStart)*sectorSize); err != nil {
		return fmt.Errorf("mkfs: write BPB: %w", err)
	}

	// Mark the root directory's cluster end-of-chain so the cluster
	// allocator never hands it out as free. Its first 32-byte record
	// stays zeroed, which decodes as a directory terminator: an empty
	// root.
	var rootEoc [4]byte
	binary.LittleEndian.PutUint32(rootEoc[:], 0x0FFFFFFF)
	if _, err := f.WriteAt(rootEoc[:], int64(partStart+rsvd)*sectorSize+int64(bpb.RootClus)*4); err != nil {
		return fmt.Errorf("mkfs: write root FAT entry: %w", err)
	}

	fmt.Printf("wrote %s FAT32 image to %s (%d sectors, %d-sector FAT, partition at LBA %d)\n",
		humanize.Bytes(totalBytes), c.Output, totalSectors, fatSz, partStart)
	return nil
}

func padLabel(s string) []byte {
	b := make([]byte, 11)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}

// mkcryptCmd applies blockdev's AES-128-ECB wrapping to an existing
// image, either to just the header region (reserved + FAT + root
// cluster) or the whole partition (spec.md §6).
type mkcryptCmd struct {
	Positional struct {
		Image string `positional-arg-name:"image" description:"disk image to encrypt in place" required:"1"`
	} `positional-args:"yes"`
	Mode     string `long:"mode" choice:"header" choice:"full" default:"header" description:"encrypt only the volume header, or the whole partition"`
	Password string `long:"password" description:"passphrase; padded/truncated to 16 bytes" required:"true"`
}

func (c *mkcryptCmd) Execute(args []string) error {
	f, err := os.OpenFile(c.Positional.Image, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("mkcrypt: open %s: %w", c.Positional.Image, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("mkcrypt: stat %s: %w", c.Positional.Image, err)
	}
	numSectors := int(fi.Size()) / sectorSize

	disk := &fileHandleDisk{f: f, numSectors: numSectors}

	var mbrSector [sectorSize]byte
	if err := disk.ReadSector(0, mbrSector[:]); err != nil {
		return fmt.Errorf("mkcrypt: read MBR: %w", err)
	}
	mbr, err := blockdev.ParseMBR(mbrSector[:])
	if err != nil {
		return fmt.Errorf("mkcrypt: parse MBR: %w", err)
	}

	var bpbSector [sectorSize]byte
	partStart := int(mbr.Partitions[0].StartLBA)
	if err := disk.ReadSector(partStart, bpbSector[:]); err != nil {
		return fmt.Errorf("mkcrypt: read BPB: %w", err)
	}
	bpb, err := fat32.ParseBPB(bpbSector[:])
	if err != nil {
		return fmt.Errorf("mkcrypt: parse BPB: %w", err)
	}

	cipher, err := blockdev.NewAESCipher(blockdev.KeyFromPassword(c.Password))
	if err != nil {
		return fmt.Errorf("mkcrypt: key cipher: %w", err)
	}

	var lastSector int
	switch c.Mode {
	case "full":
		lastSector = int(mbr.Partitions[0].NumSectors)
	default:
		lastSector = int(bpb.DataStart()) + int(bpb.SecPerClus) // header + root cluster
	}

	for i := 0; i < lastSector; i++ {
		var buf [sectorSize]byte
		sec := partStart + i
		if err := disk.ReadSector(sec, buf[:]); err != nil {
			return fmt.Errorf("mkcrypt: read sector %d: %w", sec, err)
		}
		encryptSectorInPlace(cipher, buf[:])
		if err := disk.WriteSector(sec, buf[:]); err != nil {
			return fmt.Errorf("mkcrypt: write sector %d: %w", sec, err)
		}
	}

	fmt.Printf("encrypted %s (%s, %d sectors from LBA %d)\n", c.Positional.Image, c.Mode, lastSector, partStart)
	return nil
}

func encryptSectorInPlace(cipher *blockdev.AESCipher, buf []byte) {
	bs := cipher.BlockSize()
	for off := 0; off+bs <= len(buf); off += bs {
		cipher.Encrypt(buf[off:off+bs], buf[off:off+bs])
	}
}

// fileHandleDisk is the thinnest possible blockdev.Disk over an
// already-open *os.File, used only by mkcrypt (which needs raw sector
// access before any encryption is applied, so it can't go through
// blockdev.Encrypted).
type fileHandleDisk struct {
	f          *os.File
	numSectors int
}

func (d *fileHandleDisk) SectorSize() int { return sectorSize }
func (d *fileHandleDisk) NumSectors() int { return d.numSectors }

func (d *fileHandleDisk) ReadSector(n int, buf []byte) error {
	_, err := d.f.ReadAt(buf[:sectorSize], int64(n)*sectorSize)
	return err
}

func (d *fileHandleDisk) WriteSector(n int, buf []byte) error {
	_, err := d.f.WriteAt(buf[:sectorSize], int64(n)*sectorSize)
	return err
}

func main() {
	parser := flags.NewParser(nil, flags.Default)
	if _, err := parser.AddCommand("format", "build a fresh FAT32 disk image", "", &formatCmd{}); err != nil {
		fmt.Fprintln(os.Stderr, "mkfs:", err)
		os.Exit(1)
	}
	if _, err := parser.AddCommand("mkcrypt", "AES-128-ECB encrypt an existing image", "", &mkcryptCmd{}); err != nil {
		fmt.Fprintln(os.Stderr, "mkfs:", err)
		os.Exit(1)
	}
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "mkfs:", err)
		os.Exit(1)
	}
}
