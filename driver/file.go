package driver

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dargueta/yaf"
	c "github.com/dargueta/yaf/common"
	"github.com/dargueta/yaf/common/basicstream"
	"github.com/dargueta/yaf/common/blockcache"
)

// mapBlock translates a file-relative block index into an absolute device
// block. When `create` is set, every unbacked index up to and including the
// requested one is allocated first, so a file's block list never has holes.
// When it's clear, an unbacked index reports `mapped == false` and the
// caller reads zeros (a sparse read).
//
// Allocations that succeed before the data bitmap runs dry persist; the
// file simply ends up with more backed blocks than bytes, which a later
// write will use.
func (driver *Driver) mapBlock(
	inode *Inode,
	index uint32,
	create bool,
) (block c.LogicalBlock, mapped bool, err error) {
	if index >= NumBlockPointers {
		return 0, false, yaf.ErrFileTooLarge.WithMessage(
			fmt.Sprintf(
				"block index %d is out of bounds for [0, %d)",
				index,
				NumBlockPointers,
			),
		)
	}

	// The block list is always packed: the first slot holding the
	// unallocated sentinel ends it.
	allocated := uint32(0)
	for allocated < NumBlockPointers && inode.blocks[allocated] != ReservedDno {
		allocated++
	}

	if index >= allocated {
		if !create {
			return 0, false, nil
		}

		for ; allocated <= index; allocated++ {
			dno, err := driver.dataAlloc.Allocate()
			if err != nil {
				inode.dirty = true
				return 0, false, yaf.CastToDriverError(err)
			}
			inode.blocks[allocated] = dno
		}
		inode.dirty = true
	}

	return driver.geo.DataBlock(inode.blocks[index]), true, nil
}

// File is a handle for byte-level I/O on a regular file. It wraps a
// [basicstream.BasicStream] over a per-file block cache whose fetch and
// flush callbacks route through the block map, and keeps the inode's size
// and timestamps in step with successful writes.
type File struct {
	*basicstream.BasicStream
	driver *Driver
	inode  *Inode
	name   string
	flags  yaf.IOFlags
}

// OpenFile opens the regular file behind `inode` for byte-level I/O.
func (driver *Driver) OpenFile(
	inode *Inode,
	name string,
	flags yaf.IOFlags,
) (*File, error) {
	if inode.IsDir() {
		return nil, yaf.ErrIsADirectory.WithMessage(
			fmt.Sprintf("%q cannot be opened as a file", name))
	}
	if flags.Write() && !driver.currentMountFlags.CanWrite() {
		return nil, yaf.ErrReadOnlyFileSystem
	}

	fetch := func(blockIndex c.LogicalBlock, buffer []byte) error {
		device, mapped, err := driver.mapBlock(inode, uint32(blockIndex), false)
		if err != nil {
			return err
		}
		if !mapped {
			// Sparse read: an unbacked block reads as zeros.
			for i := range buffer {
				buffer[i] = 0
			}
			return nil
		}
		_, err = driver.image.ReadAt(buffer, device)
		return err
	}

	flush := func(blockIndex c.LogicalBlock, buffer []byte) error {
		device, _, err := driver.mapBlock(inode, uint32(blockIndex), true)
		if err != nil {
			return err
		}
		_, err = driver.image.WriteAt(buffer, device)
		return err
	}

	resize := func(newTotalBlocks c.LogicalBlock) error {
		if newTotalBlocks > NumBlockPointers {
			return yaf.ErrNoSpaceOnDevice.WithMessage(
				fmt.Sprintf(
					"files are capped at %d bytes", MaxFileSize))
		}
		// Growth is lazy; blocks are allocated when the cache flushes
		// through the block map. Shrinking is handled by File.Truncate,
		// which frees the tail blocks after the cache has dropped them.
		return nil
	}

	cache := blockcache.New(
		BlockSize,
		uint((inode.Size+BlockSize-1)/BlockSize),
		fetch,
		flush,
		resize,
	)

	stream, err := basicstream.New(inode.Size, cache, flags)
	if err != nil {
		return nil, yaf.CastToDriverError(err)
	}

	file := &File{
		BasicStream: stream,
		driver:      driver,
		inode:       inode,
		name:        name,
		flags:       flags,
	}

	if flags.Truncate() {
		if err := file.Truncate(0); err != nil {
			return nil, err
		}
	}
	return file, nil
}

// Name returns the name the file was opened under.
func (file *File) Name() string {
	return file.name
}

// Stat returns the file's status as it appears on disk.
func (file *File) Stat() (os.FileInfo, error) {
	return &fileInfo{name: file.name, stat: file.inode.FileStat}, nil
}

// Write implements [io.Writer]. Writes that would extend the file past its
// 32 KiB cap fail up front with no bytes written.
func (file *File) Write(buffer []byte) (int, error) {
	if err := file.checkWriteBounds(file.Tell(), len(buffer)); err != nil {
		return 0, err
	}
	n, err := file.BasicStream.Write(buffer)
	if n > 0 {
		file.commitWrite()
	}
	return n, err
}

// WriteAt implements [io.WriterAt], with the same size cap as Write.
func (file *File) WriteAt(buffer []byte, offset int64) (int, error) {
	if err := file.checkWriteBounds(offset, len(buffer)); err != nil {
		return 0, err
	}
	n, err := file.BasicStream.WriteAt(buffer, offset)
	if n > 0 {
		file.commitWrite()
	}
	return n, err
}

// WriteString implements [io.StringWriter].
func (file *File) WriteString(s string) (int, error) {
	return file.Write([]byte(s))
}

// ReadFrom implements [io.ReaderFrom].
func (file *File) ReadFrom(r io.Reader) (n int64, err error) {
	n, err = file.BasicStream.ReadFrom(r)
	if n > 0 {
		file.commitWrite()
	}
	return n, err
}

// Truncate changes the file's size. Shrinking returns the blocks beyond the
// new tail to the data bitmap; growing zero-fills the new range, backing it
// with blocks on the next sync.
func (file *File) Truncate(size int64) error {
	if size < 0 {
		return yaf.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%d is not a valid file size", size))
	}
	if size > MaxFileSize {
		return yaf.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf("files are capped at %d bytes", MaxFileSize))
	}

	err := file.BasicStream.Truncate(size)
	if err != nil {
		return err
	}

	file.driver.truncateBlocks(file.inode, size)
	file.inode.Size = size
	file.touchModified()
	return nil
}

// Sync writes pending data through the block map and then writes the inode
// record back.
func (file *File) Sync() error {
	if err := file.BasicStream.Sync(); err != nil {
		return err
	}
	return file.driver.writeInode(file.inode)
}

// Close flushes the file and releases the handle.
func (file *File) Close() error {
	return file.Sync()
}

func (file *File) checkWriteBounds(offset int64, length int) error {
	if file.flags.Append() {
		offset = file.Size()
	}
	if offset+int64(length) > MaxFileSize {
		return yaf.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf(
				"write of %d bytes at offset %d exceeds the %d-byte file cap",
				length,
				offset,
				MaxFileSize,
			),
		)
	}
	return nil
}

// commitWrite mirrors the stream's state into the inode after a successful
// write.
func (file *File) commitWrite() {
	if file.Size() > file.inode.Size {
		file.inode.Size = file.Size()
	}
	file.touchModified()
}

func (file *File) touchModified() {
	now := time.Now()
	file.inode.LastModified = now
	file.inode.LastChanged = now
	file.inode.dirty = true
}

// truncateBlocks frees any data blocks wholly beyond `size` and resets
// their slots to the unallocated sentinel.
func (driver *Driver) truncateBlocks(inode *Inode, size int64) {
	keep := int((size + BlockSize - 1) / BlockSize)

	for i := keep; i < NumBlockPointers; i++ {
		if inode.blocks[i] == ReservedDno {
			break
		}
		driver.dataAlloc.Free(inode.blocks[i])
		inode.blocks[i] = ReservedDno
	}
	inode.dirty = true
}
