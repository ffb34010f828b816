// Package driver implements the YAF filesystem core: the on-disk format,
// the bitmap allocators, inode and directory operations, file block
// mapping, and the mkfs procedure. The partition is a five-section layout
// over an array of 4 KiB blocks:
//
//	superblock | inode bitmap | data bitmap | inode table | data blocks
//
// Section boundaries are derived from the four block counts stored in the
// superblock.
package driver

import (
	"fmt"

	"github.com/dargueta/yaf"
	c "github.com/dargueta/yaf/common"
)

// BlockSize is the size of every block on the device, in bytes.
const BlockSize = 4096

// BitsPerBlock is the number of bitmap bits held by one bitmap block.
const BitsPerBlock = BlockSize * 8

// InodeSize is the size of one on-disk inode record, in bytes.
const InodeSize = 64

// InodesPerBlock is the number of inode records in one inode-table block.
const InodesPerBlock = BlockSize / InodeSize

// NumBlockPointers is the length of an inode's direct block list. There are
// no indirect blocks; this puts a hard cap on file size.
const NumBlockPointers = 8

// MaxFileSize is the largest byte size a regular file can reach.
const MaxFileSize = NumBlockPointers * BlockSize

// DentrySize is the size of one directory entry, in bytes.
const DentrySize = 32

// MaxNameLength is the longest directory-entry name, in bytes. Names using
// all 24 bytes are not NUL-terminated on disk.
const MaxNameLength = DentrySize - 8

// DentriesPerBlock is the number of directory entries in one data block.
const DentriesPerBlock = BlockSize / DentrySize

// MaxDentries is the most entry slots a directory can ever hold.
const MaxDentries = NumBlockPointers * DentriesPerBlock

// ReservedIno is the inode number reserved as "none". A directory entry
// whose inode number is ReservedIno is a tombstone.
const ReservedIno = 0

// RootIno is the inode number of the root directory.
const RootIno = 1

// ReservedDno marks an unallocated slot in an inode's block list.
const ReservedDno = 0

// Geometry holds the four section lengths stored in the superblock. All
// other section boundaries are derived from them.
type Geometry struct {
	// InodeBitmapBlocks is the length of the inode bitmap section (nr_ibp).
	InodeBitmapBlocks uint32
	// DataBitmapBlocks is the length of the data bitmap section (nr_dbp).
	DataBitmapBlocks uint32
	// InodeTableBlocks is the length of the inode table section (nr_i).
	InodeTableBlocks uint32
	// DataBlocks is the length of the data section (nr_d).
	DataBlocks uint32
}

// InodeBitmapStart returns the first block of the inode bitmap section. The
// superblock always occupies block 0.
func (geo Geometry) InodeBitmapStart() c.LogicalBlock {
	return 1
}

// DataBitmapStart returns the first block of the data bitmap section.
func (geo Geometry) DataBitmapStart() c.LogicalBlock {
	return geo.InodeBitmapStart() + c.LogicalBlock(geo.InodeBitmapBlocks)
}

// InodeTableStart returns the first block of the inode table section.
func (geo Geometry) InodeTableStart() c.LogicalBlock {
	return geo.DataBitmapStart() + c.LogicalBlock(geo.DataBitmapBlocks)
}

// DataStart returns the first block of the data section.
func (geo Geometry) DataStart() c.LogicalBlock {
	return geo.InodeTableStart() + c.LogicalBlock(geo.InodeTableBlocks)
}

// TotalBlocks returns the number of blocks covered by all five sections.
func (geo Geometry) TotalBlocks() uint64 {
	return 1 +
		uint64(geo.InodeBitmapBlocks) +
		uint64(geo.DataBitmapBlocks) +
		uint64(geo.InodeTableBlocks) +
		uint64(geo.DataBlocks)
}

// MaxInodes returns the number of inode slots in the inode table.
func (geo Geometry) MaxInodes() uint32 {
	return geo.InodeTableBlocks * InodesPerBlock
}

// InodeBlock returns the block holding the record for `ino`, and the byte
// offset of the record within that block.
func (geo Geometry) InodeBlock(ino uint32) (c.LogicalBlock, uint) {
	block := geo.InodeTableStart() + c.LogicalBlock(ino/InodesPerBlock)
	return block, uint(ino%InodesPerBlock) * InodeSize
}

// DataBlock translates a data-block index into an absolute device block.
func (geo Geometry) DataBlock(dno uint32) c.LogicalBlock {
	return geo.DataStart() + c.LogicalBlock(dno)
}

// Validate checks the geometry arithmetic against the size of the device:
// the five sections must fit, and each bitmap must have at least one bit
// per slot in the table it covers.
func (geo Geometry) Validate(deviceBlocks uint64) error {
	if geo.TotalBlocks() > deviceBlocks {
		return yaf.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf(
				"superblock describes %d blocks but the device only has %d",
				geo.TotalBlocks(),
				deviceBlocks,
			),
		)
	}
	if uint64(geo.InodeBitmapBlocks)*BitsPerBlock < uint64(geo.MaxInodes()) {
		return yaf.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf(
				"inode bitmap (%d blocks) is too small for %d inodes",
				geo.InodeBitmapBlocks,
				geo.MaxInodes(),
			),
		)
	}
	if uint64(geo.DataBitmapBlocks)*BitsPerBlock < uint64(geo.DataBlocks) {
		return yaf.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf(
				"data bitmap (%d blocks) is too small for %d data blocks",
				geo.DataBitmapBlocks,
				geo.DataBlocks,
			),
		)
	}
	return nil
}
