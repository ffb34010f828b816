package driver

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/dargueta/yaf"
	c "github.com/dargueta/yaf/common"
	"github.com/noxer/bytewriter"
)

// Format writes a fresh, valid filesystem onto the driver's image. The
// driver must not be mounted. `stat.TotalBlocks` gives the device size in
// blocks; zero means "use the whole image".
//
// The block count is aligned down to a multiple of the inode-per-block
// count, then carved up: one superblock, matching inode and data bitmaps
// sized at one bit per device block, an inode table with one inode per
// device block, and everything left over as data. The root directory gets
// inode 1 and starts empty.
func (driver *Driver) Format(stat yaf.FSStat) error {
	driver.mu.Lock()
	defer driver.mu.Unlock()

	if driver.isMounted {
		return yaf.ErrBusy.WithMessage("cannot format a mounted image")
	}

	bnr := stat.TotalBlocks
	if bnr == 0 {
		bnr = uint64(driver.image.TotalBlocks())
	}
	if bnr > uint64(driver.image.TotalBlocks()) {
		return yaf.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"requested %d blocks but the image only has %d",
				bnr,
				driver.image.TotalBlocks(),
			),
		)
	}

	bnr = bnr / InodesPerBlock * InodesPerBlock

	nrBitmapBlocks := uint32((bnr + BitsPerBlock - 1) / BitsPerBlock)
	nrInodeBlocks := uint32(bnr / InodesPerBlock)
	overhead := uint64(1) + 2*uint64(nrBitmapBlocks) + uint64(nrInodeBlocks)

	if bnr <= overhead {
		return yaf.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"%d blocks leave no room for data after %d blocks of metadata",
				bnr,
				overhead,
			),
		)
	}

	geo := Geometry{
		InodeBitmapBlocks: nrBitmapBlocks,
		DataBitmapBlocks:  nrBitmapBlocks,
		InodeTableBlocks:  nrInodeBlocks,
		DataBlocks:        uint32(bnr - overhead),
	}

	// Superblock first.
	buffer, err := driver.image.GetSlice(0, 1)
	if err != nil {
		return yaf.CastToDriverError(err)
	}
	if err := EncodeSuperblock(geo, buffer); err != nil {
		return err
	}
	driver.image.MarkBlockRangeDirty(0, 1)

	// Both bitmaps start out clear.
	bitmapBlocks := uint(geo.InodeBitmapBlocks + geo.DataBitmapBlocks)
	for i := uint(0); i < bitmapBlocks; i++ {
		block := geo.InodeBitmapStart() + c.LogicalBlock(i)
		buffer, err = driver.image.GetSlice(block, 1)
		if err != nil {
			return yaf.CastToDriverError(err)
		}
		for j := range buffer {
			buffer[j] = 0
		}
		driver.image.MarkBlockRangeDirty(block, 1)
	}

	// Claim the root inode's bit.
	buffer, err = driver.image.GetSlice(geo.InodeBitmapStart(), 1)
	if err != nil {
		return yaf.CastToDriverError(err)
	}
	buffer[RootIno/8] |= 1 << (RootIno % 8)
	driver.image.MarkBlockRangeDirty(geo.InodeBitmapStart(), 1)

	// Write the root directory's inode record. The rest of the table keeps
	// whatever bytes it had; the bitmap alone gates validity.
	rootRecord := rawInode{
		Mode:  yaf.S_IFDIR | 0o777,
		Uid:   uint32(os.Geteuid()),
		Gid:   uint32(os.Getegid()),
		Nlink: 1,
	}

	rootBlock, rootOffset := geo.InodeBlock(RootIno)
	buffer, err = driver.image.GetSlice(rootBlock, 1)
	if err != nil {
		return yaf.CastToDriverError(err)
	}
	writer := bytewriter.New(buffer[rootOffset : rootOffset+InodeSize])
	binary.Write(writer, binary.LittleEndian, &rootRecord)
	driver.image.MarkBlockRangeDirty(rootBlock, 1)

	return yaf.CastToDriverError(driver.image.Flush())
}

// FormatImage formats a fresh filesystem onto `image`, using
// `totalSizeBytes` of it. This is the library entry point behind the mkfs
// command.
func FormatImage(image io.ReadWriteSeeker, totalSizeBytes int64) error {
	if totalSizeBytes < BlockSize {
		return yaf.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"image must be at least one %d-byte block, got %d bytes",
				BlockSize,
				totalSizeBytes,
			),
		)
	}

	driver := NewDriverFromStreamWithNumBlocks(
		image, uint(totalSizeBytes/BlockSize))
	return driver.Format(yaf.FSStat{TotalBlocks: uint64(totalSizeBytes / BlockSize)})
}
