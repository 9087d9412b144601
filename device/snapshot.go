package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/rcore-os/rcore-fs/vfs"
)

// Compression selects how the blocks of a snapshot are encoded.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", uint8(c))
}

// ParseCompression maps a name ("none", "lz4", "zstd") to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	}
	return 0, fmt.Errorf("unknown compression %q: %w", name, vfs.EINVAL)
}

// Snapshot header, little-endian:
// [magic "SFSZ"][version u8][compression u8][reserved u16][bsize u32][nblocks u32]
const (
	snapshotMagic      = "SFSZ"
	snapshotVersion    = 1
	snapshotHeaderSize = 16
)

var ErrBadSnapshot = errors.New("not a filesystem snapshot")

// WriteSnapshot streams every block of dev to w.
func WriteSnapshot(w io.Writer, dev vfs.Device, c Compression) error {
	bsize, nblocks := dev.BlockSize(), dev.NumBlocks()

	header := make([]byte, snapshotHeaderSize)
	copy(header, snapshotMagic)
	header[4] = snapshotVersion
	header[5] = byte(c)
	binary.LittleEndian.PutUint32(header[8:], uint32(bsize))
	binary.LittleEndian.PutUint32(header[12:], uint32(nblocks))
	if _, err := w.Write(header); err != nil {
		return err
	}

	var body io.WriteCloser
	switch c {
	case CompressionNone:
		body = nopWriteCloser{w}
	case CompressionLZ4:
		body = lz4.NewWriter(w)
	case CompressionZSTD:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		body = enc
	default:
		return fmt.Errorf("snapshot compression %v: %w", c, vfs.EINVAL)
	}

	buf := make([]byte, bsize)
	for i := 0; i < nblocks; i++ {
		if err := dev.ReadBlock(i, buf); err != nil {
			body.Close()
			return err
		}
		if _, err := body.Write(buf); err != nil {
			body.Close()
			return err
		}
	}
	return body.Close()
}

// ReadSnapshot decodes a snapshot into a new ramdisk.
func ReadSnapshot(r io.Reader) (*MemoryDevice, error) {
	c, bsize, nblocks, err := readSnapshotHeader(r)
	if err != nil {
		return nil, err
	}
	dev := NewMemoryDevice(bsize, nblocks)
	if err := copySnapshotBlocks(r, c, dev); err != nil {
		return nil, err
	}
	return dev, nil
}

// RestoreSnapshot decodes a snapshot onto an existing device, which must
// have the same geometry as the one the snapshot was taken from.
func RestoreSnapshot(r io.Reader, dev vfs.Device) error {
	c, bsize, nblocks, err := readSnapshotHeader(r)
	if err != nil {
		return err
	}
	if bsize != dev.BlockSize() || nblocks != dev.NumBlocks() {
		return fmt.Errorf("snapshot geometry %dx%d does not match device %dx%d: %w",
			nblocks, bsize, dev.NumBlocks(), dev.BlockSize(), vfs.EINVAL)
	}
	return copySnapshotBlocks(r, c, dev)
}

func readSnapshotHeader(r io.Reader) (Compression, int, int, error) {
	header := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, 0, 0, fmt.Errorf("reading snapshot header: %w", err)
	}
	if string(header[:4]) != snapshotMagic || header[4] != snapshotVersion {
		return 0, 0, 0, ErrBadSnapshot
	}
	c := Compression(header[5])
	bsize := int(binary.LittleEndian.Uint32(header[8:]))
	nblocks := int(binary.LittleEndian.Uint32(header[12:]))
	if bsize <= 0 {
		return 0, 0, 0, ErrBadSnapshot
	}
	return c, bsize, nblocks, nil
}

func copySnapshotBlocks(r io.Reader, c Compression, dev vfs.Device) error {
	var body io.Reader
	switch c {
	case CompressionNone:
		body = r
	case CompressionLZ4:
		body = lz4.NewReader(r)
	case CompressionZSTD:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return err
		}
		defer dec.Close()
		body = dec
	default:
		return fmt.Errorf("snapshot compression %v: %w", c, ErrBadSnapshot)
	}

	buf := make([]byte, dev.BlockSize())
	for i := 0; i < dev.NumBlocks(); i++ {
		if _, err := io.ReadFull(body, buf); err != nil {
			return fmt.Errorf("reading block %d of snapshot: %w", i, err)
		}
		if err := dev.WriteBlock(i, buf); err != nil {
			return err
		}
	}
	return nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
