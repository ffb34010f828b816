// Package common contains definitions of fundamental types shared by the
// filesystem core, the block cache, and the stream layer.
package common

import "math"

// LogicalBlock is a zero-based block index within some addressing context: a
// whole device, a section of it, or a single file's data.
type LogicalBlock uint

// PhysicalBlock is a zero-based block index on the underlying device.
type PhysicalBlock uint

const InvalidLogicalBlock = LogicalBlock(math.MaxUint)
const InvalidPhysicalBlock = PhysicalBlock(math.MaxUint)

// Truncator is an interface for objects that support a Truncate() method
// behaving just like [os.File.Truncate].
type Truncator interface {
	Truncate(size int64) error
}

// DiskImage is a read-only view of a device as an array of equally-sized
// blocks.
type DiskImage interface {
	BytesPerBlock() uint
	TotalBlocks() uint
	Size() int64
	GetSlice(start LogicalBlock, count uint) ([]byte, error)
	ReadAt(buffer []byte, start LogicalBlock) (int, error)
}

// WritableDiskImage extends [DiskImage] with the buffered-write discipline:
// mutate a slice, mark the blocks dirty, flush when done.
type WritableDiskImage interface {
	DiskImage
	WriteAt(buffer []byte, start LogicalBlock) (int, error)
	MarkBlockRangeDirty(start LogicalBlock, count uint) error
	Flush() error
}

// BlockDeviceResizer is implemented by images whose total block count can
// change after creation.
type BlockDeviceResizer interface {
	Resize(newTotalBlocks uint) error
}
