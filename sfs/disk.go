package sfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/rcore-os/rcore-fs/vfs"
)

// The on-disk format. All integers are little-endian.
//
//	block 0                      superblock
//	blocks 1 .. 1+FreemapBlocks  free block bitmap, one bit per block
//	InodeTableStart ..           inode table, INODES_PER_BLOCK records per block
//	the rest                     data, indirect and directory blocks
const (
	BLOCK_SIZE        = 4096
	SFS_MAGIC         = 0x2f8dbe2b
	NDIRECT           = 12             // direct block pointers per inode
	NINDIRECT         = BLOCK_SIZE / 4 // pointers in the indirect block
	INODE_SIZE        = 64             // size of an on-disk inode record
	INODES_PER_BLOCK  = BLOCK_SIZE / INODE_SIZE
	DIRENT_SIZE       = 256 // size of a directory entry
	DIRENTS_PER_BLOCK = BLOCK_SIZE / DIRENT_SIZE
	NAME_FIELD        = DIRENT_SIZE - 4 // NUL-padded name field
	MAX_NAME_LEN      = NAME_FIELD - 1
	BITS_PER_BLOCK    = BLOCK_SIZE * 8
	MAX_FILE_BLOCKS   = NDIRECT + NINDIRECT
	MAX_FILE_SIZE     = MAX_FILE_BLOCKS * BLOCK_SIZE

	NO_INODE   = 0
	ROOT_INODE = 1
	NO_BLOCK   = 0 // block 0 holds the superblock, so it is never a data pointer

	SUPER_SIZE = 84
	LABEL_SIZE = 28
)

type SuperBlock struct {
	Magic            uint32
	Blocks           uint32 // total blocks in the filesystem
	UnusedBlocks     uint32 // free blocks
	BlockSize        uint32
	FreemapBlocks    uint32
	InodeTableStart  uint32
	InodeTableBlocks uint32
	Ninodes          uint32 // inode slots, slot 0 included
	FreeInodes       uint32
	RootInode        uint32
	UUID             uuid.UUID
	Label            [LABEL_SIZE]byte
}

// decodeSuper reads a superblock from the start of block 0.
func decodeSuper(data []byte) (SuperBlock, error) {
	var sb SuperBlock
	if err := binary.Read(bytes.NewReader(data[:SUPER_SIZE]), binary.LittleEndian, &sb); err != nil {
		return sb, fmt.Errorf("decoding superblock: %v: %w", err, vfs.ECORRUPT)
	}
	return sb, nil
}

func (sb *SuperBlock) encode(data []byte) error {
	_, err := binary.Encode(data[:SUPER_SIZE], binary.LittleEndian, sb)
	return err
}

func (sb *SuperBlock) LabelString() string {
	return cstring(sb.Label[:])
}

// dataStart is the first block after the inode table.
func (sb *SuperBlock) dataStart() uint32 {
	return sb.InodeTableStart + sb.InodeTableBlocks
}

// validate checks the superblock against itself and the device it was read
// from.
func (sb *SuperBlock) validate(dev vfs.Device) error {
	if sb.Magic != SFS_MAGIC {
		return fmt.Errorf("bad magic number 0x%x: %w", sb.Magic, vfs.ECORRUPT)
	}
	if sb.BlockSize != BLOCK_SIZE || dev.BlockSize() != BLOCK_SIZE {
		return fmt.Errorf("block size %d on a %d byte device: %w", sb.BlockSize, dev.BlockSize(), vfs.ECORRUPT)
	}
	if int(sb.Blocks) > dev.NumBlocks() {
		return fmt.Errorf("%d blocks on a %d block device: %w", sb.Blocks, dev.NumBlocks(), vfs.ECORRUPT)
	}
	freemap, tableBlocks := geometry(sb.Blocks, sb.Ninodes)
	if sb.FreemapBlocks != freemap || sb.InodeTableStart != 1+freemap || sb.InodeTableBlocks != tableBlocks {
		return fmt.Errorf("inconsistent layout (freemap %d, inode table %d+%d): %w",
			sb.FreemapBlocks, sb.InodeTableStart, sb.InodeTableBlocks, vfs.ECORRUPT)
	}
	if uint64(sb.InodeTableBlocks)*INODES_PER_BLOCK < uint64(sb.Ninodes) {
		return fmt.Errorf("%d inodes in %d table blocks: %w", sb.Ninodes, sb.InodeTableBlocks, vfs.ECORRUPT)
	}
	if uint64(sb.InodeTableStart)+uint64(sb.InodeTableBlocks) >= uint64(sb.Blocks) {
		return fmt.Errorf("no data blocks: %w", vfs.ECORRUPT)
	}
	if sb.RootInode != ROOT_INODE || sb.Ninodes <= ROOT_INODE {
		return fmt.Errorf("bad root inode %d of %d: %w", sb.RootInode, sb.Ninodes, vfs.ECORRUPT)
	}
	return nil
}

// geometry computes the size of the bitmap and of the inode table. The
// sums are done in 64 bits so that no field value can wrap them.
func geometry(blocks, ninodes uint32) (freemapBlocks, tableBlocks uint32) {
	freemapBlocks = uint32((uint64(blocks) + BITS_PER_BLOCK - 1) / BITS_PER_BLOCK)
	tableBlocks = uint32((uint64(ninodes) + INODES_PER_BLOCK - 1) / INODES_PER_BLOCK)
	return
}

// defaultInodes gives one inode per four blocks, rounded up to fill whole
// inode table blocks.
func defaultInodes(blocks uint32) uint32 {
	n := (blocks/4 + INODES_PER_BLOCK - 1) / INODES_PER_BLOCK * INODES_PER_BLOCK
	if n < INODES_PER_BLOCK {
		n = INODES_PER_BLOCK
	}
	return n
}

type DiskInode struct {
	Type     uint16 // vfs.FileType, 0 for a free slot
	Nlinks   uint16 // directory entries naming this inode, "." and ".." included
	Size     uint32
	Blocks   uint32 // data blocks, the indirect block not counted
	Direct   [NDIRECT]uint32
	Indirect uint32
}

func decodeInode(data []byte) (DiskInode, error) {
	var d DiskInode
	_, err := binary.Decode(data[:INODE_SIZE], binary.LittleEndian, &d)
	return d, err
}

func (d *DiskInode) encode(data []byte) error {
	_, err := binary.Encode(data[:INODE_SIZE], binary.LittleEndian, d)
	return err
}

func (d *DiskInode) fileType() vfs.FileType {
	return vfs.FileType(d.Type)
}

// inodeLocation returns the table block and byte offset of an inode record.
func (sb *SuperBlock) inodeLocation(inum uint32) (int, int) {
	return int(sb.InodeTableStart + inum/INODES_PER_BLOCK), int(inum%INODES_PER_BLOCK) * INODE_SIZE
}

// Directory entries: [inode u32][name, NUL padded to NAME_FIELD bytes].

func direntInum(ent []byte) uint32 {
	return binary.LittleEndian.Uint32(ent[0:4])
}

func direntName(ent []byte) string {
	return cstring(ent[4:DIRENT_SIZE])
}

func putDirent(ent []byte, inum uint32, name string) {
	binary.LittleEndian.PutUint32(ent[0:4], inum)
	clear(ent[4:DIRENT_SIZE])
	copy(ent[4:DIRENT_SIZE], name)
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("name %q: %w", name, vfs.EINVAL)
	}
	if len(name) > MAX_NAME_LEN {
		return fmt.Errorf("name of %d bytes: %w", len(name), vfs.ENAMETOOLONG)
	}
	if bytes.IndexByte([]byte(name), '/') >= 0 || bytes.IndexByte([]byte(name), 0) >= 0 {
		return fmt.Errorf("name %q: %w", name, vfs.EINVAL)
	}
	return nil
}
