package driver

import (
	"fmt"
	"io"
	"math"
	"os"
	posixpath "path"
	"strings"
	"sync"
	"time"

	"github.com/dargueta/yaf"
	"github.com/dargueta/yaf/common/blockcache"
	"github.com/hashicorp/go-multierror"
)

var fsEpoch = time.Unix(0, 0)

// Driver mounts and manipulates one YAF image. All methods are safe for
// concurrent use: bitmap allocations are serialized by the allocators,
// directory-tree mutations by the directory lock, and mount state by the
// driver lock.
type Driver struct {
	image             *blockcache.BlockCache
	geo               Geometry
	inodeAlloc        *bitmapAllocator
	dataAlloc         *bitmapAllocator
	icache            *inodeCache
	root              *Inode
	isMounted         bool
	currentMountFlags yaf.MountFlags
	mu                sync.Mutex
	dirMu             sync.RWMutex
}

// NewDriverFromStream creates an unmounted driver over any seekable image,
// with the block count inferred from the stream size.
func NewDriverFromStream(stream io.ReadWriteSeeker) *Driver {
	return &Driver{
		image:  blockcache.WrapStreamWithInferredSize(stream, BlockSize, false),
		icache: newInodeCache(),
	}
}

// NewDriverFromStreamWithNumBlocks is [NewDriverFromStream] with an
// explicit block count.
func NewDriverFromStreamWithNumBlocks(stream io.ReadWriteSeeker, totalBlocks uint) *Driver {
	return &Driver{
		image:  blockcache.WrapStream(stream, BlockSize, totalBlocks, false),
		icache: newInodeCache(),
	}
}

// Mount validates the superblock, derives the section boundaries, and loads
// the root inode. Mounting an already-mounted driver with identical flags
// is a no-op; with different flags it fails.
func (driver *Driver) Mount(flags yaf.MountFlags) error {
	driver.mu.Lock()
	defer driver.mu.Unlock()

	if driver.isMounted {
		if driver.currentMountFlags == flags {
			return nil
		}
		return yaf.ErrAlreadyInProgress
	}

	superblock := make([]byte, BlockSize)
	nRead, err := driver.image.ReadAt(superblock, 0)
	if err != nil {
		return yaf.CastToDriverError(err)
	} else if nRead != BlockSize {
		return yaf.ErrIOFailed.WithMessage(
			fmt.Sprintf("superblock read returned %d of %d bytes", nRead, BlockSize))
	}

	geo, err := DecodeSuperblock(superblock)
	if err != nil {
		return err
	}
	if err := geo.Validate(uint64(driver.image.TotalBlocks())); err != nil {
		return err
	}

	driver.geo = geo
	driver.inodeAlloc = newBitmapAllocator(
		driver.image,
		geo.InodeBitmapStart(),
		geo.InodeBitmapBlocks,
		geo.MaxInodes(),
		1, // ReservedIno is never allocatable.
	)
	driver.dataAlloc = newBitmapAllocator(
		driver.image,
		geo.DataBitmapStart(),
		geo.DataBitmapBlocks,
		geo.DataBlocks,
		0,
	)
	driver.icache = newInodeCache()
	driver.currentMountFlags = flags

	root, err := driver.GetInode(RootIno)
	if err != nil {
		return yaf.CastToDriverError(err).WithMessage("failed to load the root inode")
	}
	if !root.IsDir() {
		return yaf.ErrFileSystemCorrupted.WithMessage("the root inode is not a directory")
	}

	driver.root = root
	driver.isMounted = true
	return nil
}

// Flush writes every dirty inode back to the inode table and then flushes
// the block cache to the device. Failures don't stop the sweep; they're
// aggregated into the returned error.
func (driver *Driver) Flush() error {
	var result *multierror.Error

	driver.icache.forEach(func(inode *Inode) error {
		if inode.dirty {
			if err := driver.writeInode(inode); err != nil {
				result = multierror.Append(result, fmt.Errorf(
					"inode %d: %w", inode.Ino(), err))
			}
		}
		return nil
	})

	if err := driver.image.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Unmount flushes all pending state and tears the mount down.
func (driver *Driver) Unmount() error {
	driver.mu.Lock()
	defer driver.mu.Unlock()

	if !driver.isMounted {
		return nil
	}
	if err := driver.Flush(); err != nil {
		return yaf.CastToDriverError(err)
	}

	driver.isMounted = false
	driver.currentMountFlags = 0
	driver.root = nil
	driver.icache = newInodeCache()
	return nil
}

// FSStat reports usage statistics for the mounted filesystem.
func (driver *Driver) FSStat() yaf.FSStat {
	freeInodes, _ := driver.inodeAlloc.FreeCount()
	freeData, _ := driver.dataAlloc.FreeCount()

	// Index 0 of the inode table is reserved and can never hold a file.
	usableInodes := uint64(driver.geo.MaxInodes()) - 1

	return yaf.FSStat{
		BlockSize:       BlockSize,
		TotalBlocks:     driver.geo.TotalBlocks(),
		BlocksFree:      freeData,
		BlocksAvailable: freeData,
		Files:           usableInodes - freeInodes,
		FilesFree:       freeInodes,
		MaxNameLength:   MaxNameLength,
	}
}

// GetFSFeatures describes what the on-disk format can express.
func (driver *Driver) GetFSFeatures() yaf.FSFeatures {
	return yaf.FSFeatures{
		HasDirectories:      true,
		HasHardLinks:        true,
		HasAccessedTime:     true,
		HasModifiedTime:     true,
		HasChangedTime:      true,
		HasUnixPermissions:  true,
		HasUserID:           true,
		HasGroupID:          true,
		HasUserPermissions:  true,
		HasGroupPermissions: true,
		TimestampEpoch:      fsEpoch,
		DefaultNameEncoding: "utf8",
		DefaultBlockSize:    BlockSize,
		MinTotalBlocks:      InodesPerBlock,
		MaxTotalBlocks:      math.MaxUint32,
	}
}

// GetRootDirectory returns a handle to the root directory of the image.
func (driver *Driver) GetRootDirectory() *Handle {
	return &Handle{driver: driver, inode: driver.root, parent: nil, name: "/"}
}

// GetObject returns a handle to the object named `name` inside `parent`.
func (driver *Driver) GetObject(name string, parent *Handle) (*Handle, error) {
	inode, err := driver.Lookup(parent.inode, name)
	if err != nil {
		return nil, err
	}
	return &Handle{
		driver: driver,
		inode:  inode,
		parent: parent.inode,
		name:   name,
	}, nil
}

// CreateObject creates a file or (if perm carries [os.ModeDir]) a directory
// named `name` inside `parent`.
func (driver *Driver) CreateObject(
	name string,
	parent *Handle,
	perm os.FileMode,
) (*Handle, error) {
	if !driver.currentMountFlags.CanInsert() {
		return nil, yaf.ErrNotPermitted.WithMessage(
			"the image is not mounted with insert permissions")
	}

	inode, err := driver.Create(parent.inode, name, perm)
	if err != nil {
		return nil, err
	}
	return &Handle{
		driver: driver,
		inode:  inode,
		parent: parent.inode,
		name:   name,
	}, nil
}

// CreateHardLink gives `target` a second name inside `parent`.
func (driver *Driver) CreateHardLink(
	target *Handle,
	name string,
	parent *Handle,
) (*Handle, error) {
	if !driver.currentMountFlags.CanInsert() {
		return nil, yaf.ErrNotPermitted.WithMessage(
			"the image is not mounted with insert permissions")
	}

	if err := driver.Link(parent.inode, name, target.inode); err != nil {
		return nil, err
	}
	return &Handle{
		driver: driver,
		inode:  target.inode,
		parent: parent.inode,
		name:   name,
	}, nil
}

// RemoveObject unlinks the file named `name` from `parent`.
func (driver *Driver) RemoveObject(name string, parent *Handle) error {
	if !driver.currentMountFlags.CanDelete() {
		return yaf.ErrNotPermitted.WithMessage(
			"the image is not mounted with delete permissions")
	}
	return driver.Unlink(parent.inode, name)
}

// RemoveDirectory removes the empty directory named `name` from `parent`.
func (driver *Driver) RemoveDirectory(name string, parent *Handle) error {
	if !driver.currentMountFlags.CanDelete() {
		return yaf.ErrNotPermitted.WithMessage(
			"the image is not mounted with delete permissions")
	}
	return driver.Rmdir(parent.inode, name)
}

////////////////////////////////////////////////////////////////////////////////
// Path-based convenience layer

// resolve walks an absolute or root-relative slash-separated path to a
// handle.
func (driver *Driver) resolve(path string) (*Handle, error) {
	handle := driver.GetRootDirectory()

	cleaned := posixpath.Clean("/" + path)
	if cleaned == "/" {
		return handle, nil
	}

	for _, component := range strings.Split(cleaned[1:], "/") {
		next, err := driver.GetObject(component, handle)
		if err != nil {
			return nil, err
		}
		handle = next
	}
	return handle, nil
}

// Stat returns the status of the object at `path`.
func (driver *Driver) Stat(path string) (yaf.FileStat, error) {
	handle, err := driver.resolve(path)
	if err != nil {
		return yaf.FileStat{}, err
	}
	return handle.Stat(), nil
}

// Mkdir creates a directory at `path` with the given permissions.
func (driver *Driver) Mkdir(path string, perm os.FileMode) error {
	parent, name, err := driver.resolveParent(path)
	if err != nil {
		return err
	}
	_, err = driver.CreateObject(name, parent, perm|os.ModeDir)
	return err
}

// Remove unlinks the file at `path`.
func (driver *Driver) Remove(path string) error {
	parent, name, err := driver.resolveParent(path)
	if err != nil {
		return err
	}
	return driver.RemoveObject(name, parent)
}

// RemoveDir removes the empty directory at `path`.
func (driver *Driver) RemoveDir(path string) error {
	parent, name, err := driver.resolveParent(path)
	if err != nil {
		return err
	}
	return driver.RemoveDirectory(name, parent)
}

// HardLink makes `newPath` a second name for the file at `oldPath`.
func (driver *Driver) HardLink(oldPath, newPath string) error {
	target, err := driver.resolve(oldPath)
	if err != nil {
		return err
	}
	parent, name, err := driver.resolveParent(newPath)
	if err != nil {
		return err
	}
	_, err = driver.CreateHardLink(target, name, parent)
	return err
}

// Open opens the file at `path` for byte-level I/O, creating it first when
// the flags ask for that.
func (driver *Driver) Open(path string, flags yaf.IOFlags, perm os.FileMode) (*File, error) {
	parent, name, err := driver.resolveParent(path)
	if err != nil {
		return nil, err
	}

	handle, err := driver.GetObject(name, parent)
	if err == nil && flags.Create() && flags.Exclusive() {
		return nil, yaf.ErrExists.WithMessage(fmt.Sprintf("%q already exists", path))
	}
	if err != nil {
		if !flags.Create() {
			return nil, err
		}
		handle, err = driver.CreateObject(name, parent, perm&^os.ModeDir)
		if err != nil {
			return nil, err
		}
	}

	return handle.Open(flags)
}

// resolveParent splits `path` into a handle for its parent directory and
// the final path component.
func (driver *Driver) resolveParent(path string) (*Handle, string, error) {
	cleaned := posixpath.Clean("/" + path)
	if cleaned == "/" {
		return nil, "", yaf.ErrInvalidArgument.WithMessage(
			"the root directory cannot be the target of this operation")
	}

	dir, name := posixpath.Split(cleaned)
	parent, err := driver.resolve(dir)
	if err != nil {
		return nil, "", err
	}
	if !parent.inode.IsDir() {
		return nil, "", yaf.ErrNotADirectory.WithMessage(
			fmt.Sprintf("%q is not a directory", dir))
	}
	return parent, name, nil
}
