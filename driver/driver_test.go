package driver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"

	"github.com/dargueta/yaf"
	dt "github.com/dargueta/yaf/testing"
)

// referenceImageBlocks is the geometry every boundary test runs on: a
// 16 MiB image, i.e. 4096 blocks, which formats to one bitmap block per
// bitmap, 64 inode-table blocks and 4029 data blocks.
const referenceImageBlocks = 4096

// newFormattedImage formats a blank in-memory image and returns its backing
// bytes so tests can reopen it later.
func newFormattedImage(t *testing.T, totalBlocks uint) []byte {
	storage := make([]byte, totalBlocks*BlockSize)
	stream := dt.LoadDiskImage(t, storage, BlockSize, totalBlocks)
	require.NoError(t, FormatImage(stream, int64(len(storage))))
	return storage
}

// newFormattedDriver formats a blank image and mounts a driver over it with
// full permissions.
func newFormattedDriver(t *testing.T, totalBlocks uint) *Driver {
	storage := newFormattedImage(t, totalBlocks)
	driver := NewDriverFromStream(bytesextra.NewReadWriteSeeker(storage))
	require.NoError(t, driver.Mount(yaf.MountFlagsAllowAll))
	return driver
}

func TestMountRejectsBadMagic(t *testing.T) {
	storage := newFormattedImage(t, referenceImageBlocks)
	storage[100] ^= 0xff // Corrupt one byte of the tiled magic.

	driver := NewDriverFromStream(bytesextra.NewReadWriteSeeker(storage))
	err := driver.Mount(yaf.MountFlagsAllowAll)
	require.Error(t, err)
	assert.True(t, errors.Is(err, yaf.ErrInvalidFileSystem))
}

func TestMountTwice(t *testing.T) {
	driver := newFormattedDriver(t, referenceImageBlocks)

	assert.NoError(t, driver.Mount(yaf.MountFlagsAllowAll),
		"remounting with identical flags must be a no-op")

	err := driver.Mount(yaf.MountFlagsAllowRead)
	assert.True(t, errors.Is(err, yaf.ErrAlreadyInProgress),
		"remounting with different flags must fail")
}

func TestMountFlagGating(t *testing.T) {
	storage := newFormattedImage(t, referenceImageBlocks)
	driver := NewDriverFromStream(bytesextra.NewReadWriteSeeker(storage))
	require.NoError(t, driver.Mount(yaf.MountFlagsAllowRead))

	_, err := driver.CreateObject("f", driver.GetRootDirectory(), 0o644)
	assert.True(t, errors.Is(err, yaf.ErrNotPermitted))

	err = driver.RemoveObject("f", driver.GetRootDirectory())
	assert.True(t, errors.Is(err, yaf.ErrNotPermitted))
}

func TestFSStatOnFreshImage(t *testing.T) {
	driver := newFormattedDriver(t, referenceImageBlocks)
	stat := driver.FSStat()

	assert.EqualValues(t, BlockSize, stat.BlockSize)
	assert.EqualValues(t, referenceImageBlocks, stat.TotalBlocks)
	assert.EqualValues(t, 4029, stat.BlocksFree)
	assert.EqualValues(t, 1, stat.Files, "only the root directory exists")
	// 4096 inode slots minus the reserved slot 0 and the root inode.
	assert.EqualValues(t, 4094, stat.FilesFree)
	assert.EqualValues(t, MaxNameLength, stat.MaxNameLength)
}

func TestGetFSFeatures(t *testing.T) {
	driver := newFormattedDriver(t, referenceImageBlocks)
	features := driver.GetFSFeatures()

	assert.True(t, features.HasDirectories)
	assert.True(t, features.HasHardLinks)
	assert.False(t, features.HasSymbolicLinks)
	assert.False(t, features.SupportsBootCode)
	assert.Equal(t, BlockSize, features.DefaultBlockSize)
}

func TestUnmountPersistsEverything(t *testing.T) {
	storage := newFormattedImage(t, referenceImageBlocks)

	driver := NewDriverFromStream(bytesextra.NewReadWriteSeeker(storage))
	require.NoError(t, driver.Mount(yaf.MountFlagsAllowAll))
	require.NoError(t, driver.Mkdir("/a", 0o755))

	file, err := driver.Open("/a/f", yaf.O_RDWR|yaf.O_CREATE, 0o644)
	require.NoError(t, err)
	_, err = file.Write([]byte("persisted across remounts"))
	require.NoError(t, err)
	require.NoError(t, file.Close())
	require.NoError(t, driver.Unmount())

	// A second driver over the same bytes must observe all of it.
	reopened := NewDriverFromStream(bytesextra.NewReadWriteSeeker(storage))
	require.NoError(t, reopened.Mount(yaf.MountFlagsAllowAll))

	stat, err := reopened.Stat("/a/f")
	require.NoError(t, err)
	assert.EqualValues(t, len("persisted across remounts"), stat.Size)

	file, err = reopened.Open("/a/f", yaf.O_RDONLY, 0)
	require.NoError(t, err)
	contents := make([]byte, stat.Size)
	_, err = file.ReadAt(contents, 0)
	require.NoError(t, err)
	assert.Equal(t, "persisted across remounts", string(contents))
}

func TestResolvePaths(t *testing.T) {
	driver := newFormattedDriver(t, referenceImageBlocks)
	require.NoError(t, driver.Mkdir("/outer", 0o755))
	require.NoError(t, driver.Mkdir("/outer/inner", 0o755))

	stat, err := driver.Stat("/outer/inner")
	require.NoError(t, err)
	assert.True(t, stat.IsDir())

	stat, err = driver.Stat("outer/inner/../..")
	require.NoError(t, err)
	assert.EqualValues(t, RootIno, stat.InodeNumber)

	_, err = driver.Stat("/outer/missing")
	assert.True(t, errors.Is(err, yaf.ErrNotFound))
}

// checkTreeInvariants walks the whole tree and cross-checks the global
// consistency rules: live dentries point at allocated inodes, every block
// in a live inode's block list is allocated in the data bitmap, and
// directory sizes stay entry-aligned.
func checkTreeInvariants(t *testing.T, driver *Driver) {
	seenBlocks := map[uint32]uint32{}

	var walk func(handle *Handle)
	walk = func(handle *Handle) {
		inode := handle.Inode()

		if inode.IsDir() {
			require.Zerof(t, inode.Size%DentrySize,
				"directory %q has misaligned size %d", handle.Name(), inode.Size)
			require.LessOrEqual(t, inode.Size/DentrySize, int64(MaxDentries))
		}

		allocated, err := driver.inodeAlloc.IsSet(inode.Ino())
		require.NoError(t, err)
		require.Truef(t, allocated,
			"inode %d is reachable but not allocated", inode.Ino())

		for i := 0; i < inode.countDataBlocks(); i++ {
			dno := inode.blocks[i]
			if previous, taken := seenBlocks[dno]; taken {
				t.Fatalf("data block %d owned by both inode %d and inode %d",
					dno, previous, inode.Ino())
			}
			seenBlocks[dno] = inode.Ino()

			set, err := driver.dataAlloc.IsSet(dno)
			require.NoError(t, err)
			require.Truef(t, set,
				"inode %d references unallocated data block %d", inode.Ino(), dno)
		}

		if !inode.IsDir() {
			return
		}
		names, err := handle.ListDir()
		require.NoError(t, err)
		for _, name := range names {
			child, err := driver.GetObject(name, handle)
			require.NoError(t, err)
			walk(child)
		}
	}

	walk(driver.GetRootDirectory())
}

func TestInvariantsAcrossMutationSequence(t *testing.T) {
	driver := newFormattedDriver(t, referenceImageBlocks)

	require.NoError(t, driver.Mkdir("/docs", 0o755))
	require.NoError(t, driver.Mkdir("/docs/old", 0o755))

	for _, path := range []string{"/docs/a", "/docs/b", "/docs/old/c"} {
		file, err := driver.Open(path, yaf.O_RDWR|yaf.O_CREATE, 0o644)
		require.NoError(t, err)
		_, err = file.Write(make([]byte, 5000))
		require.NoError(t, err)
		require.NoError(t, file.Close())
	}
	checkTreeInvariants(t, driver)

	require.NoError(t, driver.Remove("/docs/a"))
	require.NoError(t, driver.Remove("/docs/old/c"))
	require.NoError(t, driver.RemoveDir("/docs/old"))
	checkTreeInvariants(t, driver)

	// Reuse the holes the removals left behind.
	require.NoError(t, driver.Mkdir("/docs/new", 0o755))
	file, err := driver.Open("/docs/d", yaf.O_RDWR|yaf.O_CREATE, 0o644)
	require.NoError(t, err)
	_, err = file.Write(make([]byte, 123))
	require.NoError(t, err)
	require.NoError(t, file.Close())
	checkTreeInvariants(t, driver)
}
