package blockdev

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMBRRoundTrip(t *testing.T) {
	m := &MBR{}
	m.Partitions[0] = PartitionEntry{
		BootIndicator: 0x80,
		PartitionType: PartTypeFAT32LBA,
		StartLBA:      2048,
		NumSectors:    1 << 20,
	}
	m.Signature = mbrSignature

	enc, err := m.Encode()
	require.NoError(t, err)
	require.Len(t, enc, 512)

	got, err := ParseMBR(enc)
	require.NoError(t, err)
	require.True(t, got.Partitions[0].IsFAT32())
	require.Equal(t, uint32(2048), got.Partitions[0].StartLBA)
	require.Equal(t, uint64(1<<20)*512, got.PartitionSize(0, 512))
}

func TestParseMBRRejectsBadSignature(t *testing.T) {
	sector := make([]byte, 512)
	_, err := ParseMBR(sector)
	require.Error(t, err)
}

func TestParseMBRRejectsBadBootIndicator(t *testing.T) {
	m := &MBR{Signature: mbrSignature}
	m.Partitions[0].BootIndicator = 0x42
	enc, err := m.Encode()
	require.NoError(t, err)
	_, err = ParseMBR(enc)
	require.Error(t, err)
}

type memDisk struct {
	sectorSize int
	sectors    [][]byte
}

func newMemDisk(n, sectorSize int) *memDisk {
	sectors := make([][]byte, n)
	for i := range sectors {
		sectors[i] = make([]byte, sectorSize)
	}
	return &memDisk{sectorSize: sectorSize, sectors: sectors}
}

func (d *memDisk) SectorSize() int { return d.sectorSize }
func (d *memDisk) NumSectors() int { return len(d.sectors) }

func (d *memDisk) ReadSector(n int, buf []byte) error {
	if err := checkSector(n, len(d.sectors)); err != nil {
		return err
	}
	copy(buf, d.sectors[n])
	return nil
}

func (d *memDisk) WriteSector(n int, buf []byte) error {
	if err := checkSector(n, len(d.sectors)); err != nil {
		return err
	}
	copy(d.sectors[n], buf)
	return nil
}

func TestEncryptedRoundTrip(t *testing.T) {
	under := newMemDisk(4, 512)
	key := KeyFromPassword("hunter2")
	cipher, err := NewAESCipher(key)
	require.NoError(t, err)
	enc := NewEncrypted(under, cipher)

	plain := make([]byte, 512)
	for i := range plain {
		plain[i] = byte(i)
	}
	require.NoError(t, enc.WriteSector(1, plain))

	// Underlying disk must hold ciphertext, not plaintext.
	raw := make([]byte, 512)
	require.NoError(t, under.ReadSector(1, raw))
	require.NotEqual(t, plain, raw)

	got := make([]byte, 512)
	require.NoError(t, enc.ReadSector(1, got))
	require.Equal(t, plain, got)
}

func TestEncryptedWriteDoesNotMutateCallerBuffer(t *testing.T) {
	under := newMemDisk(2, 512)
	key := KeyFromPassword("x")
	cipher, err := NewAESCipher(key)
	require.NoError(t, err)
	enc := NewEncrypted(under, cipher)

	plain := make([]byte, 512)
	plain[0] = 0xAB
	before := append([]byte(nil), plain...)
	require.NoError(t, enc.WriteSector(0, plain))
	require.Equal(t, before, plain)
}

func TestFileDiskReadWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	const sectorSize = 512
	const numSectors = 8

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(sectorSize*numSectors))
	require.NoError(t, f.Close())

	d, err := OpenFileDisk(path, sectorSize)
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, sectorSize, d.SectorSize())
	require.Equal(t, numSectors, d.NumSectors())

	buf := make([]byte, sectorSize)
	for i := range buf {
		buf[i] = byte(i % 256)
	}
	require.NoError(t, d.WriteSector(3, buf))

	got := make([]byte, sectorSize)
	require.NoError(t, d.ReadSector(3, got))
	require.Equal(t, buf, got)
}

func TestFileDiskRejectsOutOfRangeSector(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(512*4))
	require.NoError(t, f.Close())

	d, err := OpenFileDisk(path, 512)
	require.NoError(t, err)
	defer d.Close()

	buf := make([]byte, 512)
	require.Error(t, d.ReadSector(4, buf))
}
