package driver

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dargueta/yaf"
)

// Magic is the 4-byte signature (including the trailing NUL) tiled across
// the superblock's filler region.
var Magic = [4]byte{'y', 'a', 'f', 0}

// superblockHeaderSize is the portion of block 0 occupied by the four
// section counts; the rest is the tiled magic string.
const superblockHeaderSize = 16

// DecodeSuperblock parses block 0 of a device. `data` must be exactly one
// block. The magic string must appear intact in every 4-byte slot of the
// filler region, otherwise the device does not hold a YAF filesystem.
func DecodeSuperblock(data []byte) (Geometry, error) {
	var geo Geometry

	if len(data) != BlockSize {
		return geo, yaf.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("superblock must be %d bytes, got %d", BlockSize, len(data)),
		)
	}

	for offset := superblockHeaderSize; offset < BlockSize; offset += len(Magic) {
		if !bytes.Equal(data[offset:offset+len(Magic)], Magic[:]) {
			return geo, yaf.ErrInvalidFileSystem.WithMessage(
				fmt.Sprintf("magic string check failed at offset %d", offset),
			)
		}
	}

	geo.InodeBitmapBlocks = binary.LittleEndian.Uint32(data[0:4])
	geo.DataBitmapBlocks = binary.LittleEndian.Uint32(data[4:8])
	geo.InodeTableBlocks = binary.LittleEndian.Uint32(data[8:12])
	geo.DataBlocks = binary.LittleEndian.Uint32(data[12:16])
	return geo, nil
}

// EncodeSuperblock renders the geometry into `data`, which must be exactly
// one block: the four counts in little-endian order, then the magic string
// repeated to the end of the block.
func EncodeSuperblock(geo Geometry, data []byte) error {
	if len(data) != BlockSize {
		return yaf.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("superblock must be %d bytes, got %d", BlockSize, len(data)),
		)
	}

	binary.LittleEndian.PutUint32(data[0:4], geo.InodeBitmapBlocks)
	binary.LittleEndian.PutUint32(data[4:8], geo.DataBitmapBlocks)
	binary.LittleEndian.PutUint32(data[8:12], geo.InodeTableBlocks)
	binary.LittleEndian.PutUint32(data[12:16], geo.DataBlocks)

	for offset := superblockHeaderSize; offset < BlockSize; offset += len(Magic) {
		copy(data[offset:], Magic[:])
	}
	return nil
}
