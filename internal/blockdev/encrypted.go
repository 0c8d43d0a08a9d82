package blockdev

// Encrypted wraps a raw Disk in AES-128-ECB-per-sector encryption
// (spec.md §4.4, §6): reads pass through the underlying disk and then
// decrypt every 16-byte block of the sector buffer in place; writes
// encrypt a scratch copy before handing it to the underlying disk.
type Encrypted struct {
	under  Disk
	cipher BlockCipher
}

// KeyFromPassword pads (or truncates) pw to 16 bytes with '0', per
// spec.md §6.
func KeyFromPassword(pw string) [16]byte {
	var key [16]byte
	n := copy(key[:], pw)
	for i := n; i < 16; i++ {
		key[i] = '0'
	}
	return key
}

// NewEncrypted wraps under with cipher, which must already be keyed
// (spec.md §6 leaves key scheduling to the AES-128 collaborator).
func NewEncrypted(under Disk, cipher BlockCipher) *Encrypted {
	return &Encrypted{under: under, cipher: cipher}
}

func (e *Encrypted) SectorSize() int { return e.under.SectorSize() }
func (e *Encrypted) NumSectors() int { return e.under.NumSectors() }

// ReadSector reads the raw sector and decrypts it block-by-block in
// place.
func (e *Encrypted) ReadSector(n int, buf []byte) error {
	if err := checkSector(n, e.NumSectors()); err != nil {
		return err
	}
	if len(buf) < e.SectorSize() {
		return errShortBuffer
	}
	if err := e.under.ReadSector(n, buf); err != nil {
		return err
	}
	e.transformInPlace(buf[:e.SectorSize()], e.cipher.Decrypt)
	return nil
}

// WriteSector encrypts a scratch copy of buf and writes that to the
// underlying disk, leaving the caller's buffer untouched.
func (e *Encrypted) WriteSector(n int, buf []byte) error {
	if err := checkSector(n, e.NumSectors()); err != nil {
		return err
	}
	if len(buf) < e.SectorSize() {
		return errShortBuffer
	}
	scratch := make([]byte, e.SectorSize())
	copy(scratch, buf[:e.SectorSize()])
	e.transformInPlace(scratch, e.cipher.Encrypt)
	return e.under.WriteSector(n, scratch)
}

func (e *Encrypted) transformInPlace(buf []byte, op func(dst, src []byte)) {
	bs := e.cipher.BlockSize()
	for off := 0; off+bs <= len(buf); off += bs {
		op(buf[off:off+bs], buf[off:off+bs])
	}
}

// Mode selects which sectors mkcrypt encrypts (spec.md §6).
type Mode int

const (
	// ModeHeader encrypts only the reserved + FAT sectors and the root
	// cluster.
	ModeHeader Mode = iota
	// ModeFull encrypts every sector of the partition.
	ModeFull
)
