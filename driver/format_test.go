package driver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/dargueta/yaf"
	"github.com/dargueta/yaf/disks"
	dt "github.com/dargueta/yaf/testing"
)

func TestFormatReferenceGeometry(t *testing.T) {
	storage := newFormattedImage(t, referenceImageBlocks)

	geo, err := DecodeSuperblock(storage[:BlockSize])
	require.NoError(t, err)
	assert.EqualValues(t, 1, geo.InodeBitmapBlocks)
	assert.EqualValues(t, 1, geo.DataBitmapBlocks)
	assert.EqualValues(t, 64, geo.InodeTableBlocks)
	assert.EqualValues(t, 4029, geo.DataBlocks)
	assert.EqualValues(t, referenceImageBlocks, geo.TotalBlocks())
}

func TestFormatBitmapState(t *testing.T) {
	storage := newFormattedImage(t, referenceImageBlocks)

	inodeBitmap := storage[BlockSize : 2*BlockSize]
	assert.EqualValues(t, 1<<RootIno, inodeBitmap[0],
		"only the root inode's bit may be set")
	for i := 1; i < BlockSize; i++ {
		require.Zerof(t, inodeBitmap[i], "inode bitmap byte %d must be clear", i)
	}

	dataBitmap := storage[2*BlockSize : 3*BlockSize]
	for i := 0; i < BlockSize; i++ {
		require.Zerof(t, dataBitmap[i], "data bitmap byte %d must be clear", i)
	}
}

func TestFormatRootInodeRecord(t *testing.T) {
	storage := newFormattedImage(t, referenceImageBlocks)

	geo, err := DecodeSuperblock(storage[:BlockSize])
	require.NoError(t, err)

	tableStart := uint(geo.InodeTableStart()) * BlockSize
	record := storage[tableStart+InodeSize : tableStart+2*InodeSize]

	root := decodeInode(RootIno, record)
	assert.True(t, root.IsDir())
	assert.EqualValues(t, yaf.S_IFDIR|0o777, root.rawMode)
	assert.EqualValues(t, 1, root.Nlinks)
	assert.Zero(t, root.Size)
	for i := 0; i < NumBlockPointers; i++ {
		assert.EqualValues(t, ReservedDno, root.blocks[i])
	}
}

func TestFormatAlignsBlockCountDown(t *testing.T) {
	// 4100 blocks align down to 4096 and must produce the reference
	// geometry.
	storage := make([]byte, 4100*BlockSize)
	stream := bytesextra.NewReadWriteSeeker(storage)
	require.NoError(t, FormatImage(stream, int64(len(storage))))

	geo, err := DecodeSuperblock(storage[:BlockSize])
	require.NoError(t, err)
	assert.EqualValues(t, referenceImageBlocks, geo.TotalBlocks())
}

func TestFormatRejectsTinyImages(t *testing.T) {
	// 63 blocks align down to 0.
	storage := make([]byte, 63*BlockSize)
	err := FormatImage(bytesextra.NewReadWriteSeeker(storage), int64(len(storage)))
	assert.True(t, errors.Is(err, yaf.ErrInvalidArgument))

	err = FormatImage(dt.CreateBlankImage(t, 100, 1), 100)
	assert.True(t, errors.Is(err, yaf.ErrInvalidArgument))
}

func TestFormatRefusesMountedDriver(t *testing.T) {
	driver := newFormattedDriver(t, referenceImageBlocks)
	err := driver.Format(yaf.FSStat{TotalBlocks: referenceImageBlocks})
	assert.True(t, errors.Is(err, yaf.ErrBusy))
}

func TestFormatPredefinedProfiles(t *testing.T) {
	for _, slug := range []string{"minimum", "scratch-1mib", "reference-16mib"} {
		profile, err := disks.GetPredefinedImageProfile(slug)
		require.NoError(t, err)

		storage := make([]byte, profile.TotalSizeBytes())
		stream := bytesextra.NewReadWriteSeeker(storage)
		require.NoErrorf(t, FormatImage(stream, profile.TotalSizeBytes()),
			"profile %q failed to format", slug)

		driver := NewDriverFromStream(bytesextra.NewReadWriteSeeker(storage))
		require.NoErrorf(t, driver.Mount(yaf.MountFlagsAllowAll),
			"profile %q failed to mount", slug)
		assert.EqualValues(t, profile.TotalBlocks, driver.FSStat().TotalBlocks)
	}
}

func TestFormattedImageMountsClean(t *testing.T) {
	driver := newFormattedDriver(t, 64)

	stat := driver.FSStat()
	assert.EqualValues(t, 64, stat.TotalBlocks)
	assert.EqualValues(t, 60, stat.BlocksFree)
	assert.EqualValues(t, 1, stat.Files)

	names, err := driver.GetRootDirectory().ListDir()
	require.NoError(t, err)
	assert.Empty(t, names, "a fresh root directory must be empty")
}
