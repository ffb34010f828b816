package testing

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// CreateBlankImage returns an in-memory read/write stream of
// `sectorSize * totalSectors` zero bytes, suitable for formatting.
//
//   - Writes to the stream do not touch the disk.
//   - The stream's size is fixed; writing past the end triggers an error.
func CreateBlankImage(
	t *testing.T, sectorSize, totalSectors uint,
) io.ReadWriteSeeker {
	require.Greater(t, sectorSize*totalSectors, uint(0), "image would be empty")
	return bytesextra.NewReadWriteSeeker(make([]byte, sectorSize*totalSectors))
}

// LoadDiskImage wraps a raw image in a read/write stream after validating
// its size.
//
//   - Writes to the stream modify `imageBytes` in place.
//   - The stream's size is fixed; writing past the end triggers an error.
func LoadDiskImage(
	t *testing.T, imageBytes []byte, sectorSize, totalSectors uint,
) io.ReadWriteSeeker {
	require.Equal(
		t,
		totalSectors*sectorSize,
		uint(len(imageBytes)),
		"image is the wrong size",
	)
	return bytesextra.NewReadWriteSeeker(imageBytes)
}
