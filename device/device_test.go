package device_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcore-os/rcore-fs/device"
	"github.com/rcore-os/rcore-fs/testutils"
	"github.com/rcore-os/rcore-fs/vfs"
)

func TestMemoryDeviceReadWrite(test *testing.T) {
	dev := device.NewMemoryDevice(64, 8)
	require.Equal(test, 64, dev.BlockSize())
	require.Equal(test, 8, dev.NumBlocks())

	data := bytes.Repeat([]byte{0xab}, 64)
	require.NoError(test, dev.WriteBlock(3, data))

	buf := make([]byte, 64)
	require.NoError(test, dev.ReadBlock(3, buf))
	require.Equal(test, data, buf)

	require.NoError(test, dev.ReadBlock(2, buf))
	require.Equal(test, make([]byte, 64), buf)
}

func TestMemoryDeviceOutOfRange(test *testing.T) {
	dev := device.NewMemoryDevice(64, 8)
	buf := make([]byte, 64)

	err := dev.ReadBlock(8, buf)
	require.True(test, errors.Is(err, vfs.EIO), "got %v", err)
	err = dev.WriteBlock(-1, buf)
	require.True(test, errors.Is(err, vfs.EIO), "got %v", err)
	err = dev.ReadBlock(0, buf[:10])
	require.True(test, errors.Is(err, vfs.EINVAL), "got %v", err)
}

func TestRamdiskGeometry(test *testing.T) {
	_, err := device.NewRamdiskDevice(make([]byte, 100), 64)
	require.True(test, errors.Is(err, vfs.EINVAL))

	dev := testutils.NewTestDevice(test, 64, 10)
	buf := make([]byte, 64)
	require.NoError(test, dev.ReadBlock(7, buf))
	require.Equal(test, bytes.Repeat([]byte{7}, 64), buf)
}

func TestFileDevice(test *testing.T) {
	filename := filepath.Join(test.TempDir(), "disk.img")
	dev, err := device.CreateFileDevice(filename, 512, 16)
	require.NoError(test, err)
	require.Equal(test, 16, dev.NumBlocks())

	data := bytes.Repeat([]byte("sfs!"), 128)
	require.NoError(test, dev.WriteBlock(15, data))
	require.NoError(test, dev.Sync())

	// the image is locked while open
	_, err = device.NewFileDevice(filename, 512)
	require.Error(test, err)

	require.NoError(test, dev.Close())

	dev, err = device.NewFileDevice(filename, 512)
	require.NoError(test, err)
	defer dev.Close()

	buf := make([]byte, 512)
	require.NoError(test, dev.ReadBlock(15, buf))
	require.Equal(test, data, buf)

	err = dev.ReadBlock(16, buf)
	require.True(test, errors.Is(err, vfs.EIO), "got %v", err)
}

func TestSnapshotRoundTrip(test *testing.T) {
	for _, c := range []device.Compression{device.CompressionNone, device.CompressionLZ4, device.CompressionZSTD} {
		test.Run(c.String(), func(test *testing.T) {
			src := testutils.NewTestDevice(test, 256, 32)

			var image bytes.Buffer
			require.NoError(test, device.WriteSnapshot(&image, src, c))

			dst, err := device.ReadSnapshot(bytes.NewReader(image.Bytes()))
			require.NoError(test, err)
			require.Equal(test, src.Bytes(), dst.Bytes())

			other := device.NewMemoryDevice(256, 32)
			require.NoError(test, device.RestoreSnapshot(bytes.NewReader(image.Bytes()), other))
			require.Equal(test, src.Bytes(), other.Bytes())

			wrong := device.NewMemoryDevice(256, 31)
			err = device.RestoreSnapshot(bytes.NewReader(image.Bytes()), wrong)
			require.True(test, errors.Is(err, vfs.EINVAL))
		})
	}
}

func TestSnapshotBadHeader(test *testing.T) {
	_, err := device.ReadSnapshot(bytes.NewReader([]byte("definitely not a snapshot")))
	require.ErrorIs(test, err, device.ErrBadSnapshot)

	_, err = device.ParseCompression("gzip")
	require.ErrorIs(test, err, vfs.EINVAL)
}
