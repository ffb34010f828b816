// Package yaf implements YAF ("yet another filesystem"), a small Unix-style
// block-addressable filesystem stored as a single contiguous partition of
// 4 KiB blocks. This package defines the driver-agnostic API surface: file
// and filesystem status structures, mount and I/O flags, and the error
// taxonomy. The filesystem core lives in the `driver` subpackage and the
// user-space formatter in `cmd/mkfs`.
package yaf

import (
	"io"
	"math"
	"os"
	"time"
)

type MountFlags int

const (
	// MountFlagsAllowRead indicates that the image should be mounted with
	// read permissions.
	MountFlagsAllowRead = MountFlags(1 << iota)
	// MountFlagsAllowWrite indicates that the image should be mounted with
	// write permissions. Existing files can be modified, but nothing can be
	// created or deleted.
	MountFlagsAllowWrite = MountFlags(1 << iota)
	// MountFlagsAllowInsert indicates that the image should be mounted with
	// insert permissions. New files and directories can be created and
	// modified. Because [MountFlags.CanWrite] counts this flag, existing
	// files can also be opened for writing without MountFlagsAllowWrite.
	MountFlagsAllowInsert = MountFlags(1 << iota)
	// MountFlagsAllowDelete indicates that the image should be mounted with
	// permissions to delete files and directories.
	MountFlagsAllowDelete = MountFlags(1 << iota)
	// MountFlagsAllowAdminister indicates that the image should be mounted
	// with the ability to change file permissions and ownership. The driver
	// does not check it: Chmod and Chown are allowed whenever
	// [MountFlags.CanWrite] is true.
	MountFlagsAllowAdminister = MountFlags(1 << iota)
	// MountFlagsPreserveTimestamps indicates that lookups do not refresh
	// existing objects' LastAccessed timestamps. LastModified and
	// LastChanged are still updated by writes, creations, removals and
	// attribute changes.
	MountFlagsPreserveTimestamps = MountFlags(1 << iota)
)

func (flags MountFlags) CanRead() bool {
	return flags&MountFlagsAllowRead != 0
}

func (flags MountFlags) CanWrite() bool {
	return flags&(MountFlagsAllowWrite|MountFlagsAllowInsert|MountFlagsAllowDelete) != 0
}

func (flags MountFlags) CanModify() bool {
	return flags&MountFlagsAllowWrite != 0
}

func (flags MountFlags) CanInsert() bool {
	return flags&MountFlagsAllowInsert != 0
}

func (flags MountFlags) CanDelete() bool {
	return flags&MountFlagsAllowDelete != 0
}

const MountFlagsAllowReadWrite = MountFlagsAllowRead | MountFlagsAllowWrite
const MountFlagsAllowAll = (MountFlagsAllowRead |
	MountFlagsAllowWrite |
	MountFlagsAllowInsert |
	MountFlagsAllowDelete |
	MountFlagsAllowAdminister)

// UndefinedTimestamp is a timestamp that should be used as an invalid value,
// like `nil` for pointers.
var UndefinedTimestamp = time.UnixMicro(math.MaxInt64)

// FileStat is a platform-independent form of [syscall.Stat_t].
type FileStat struct {
	DeviceID     uint64
	InodeNumber  uint64
	Nlinks       uint64
	ModeFlags    os.FileMode
	Uid          uint32
	Gid          uint32
	Rdev         uint64
	Size         int64
	BlockSize    int64
	NumBlocks    int64
	CreatedAt    time.Time
	LastChanged  time.Time
	LastAccessed time.Time
	LastModified time.Time
	DeletedAt    time.Time
}

func (stat *FileStat) IsDir() bool {
	return stat.ModeFlags.IsDir()
}

func (stat *FileStat) IsFile() bool {
	return stat.ModeFlags.IsRegular()
}

// FSStat is a platform-independent form of [syscall.Statfs_t].
type FSStat struct {
	// BlockSize is the size of a logical block on the filesystem, in bytes.
	BlockSize int64
	// TotalBlocks is the total number of blocks on the disk image.
	TotalBlocks uint64
	// BlocksFree is the number of unallocated data blocks on the image.
	BlocksFree uint64
	// BlocksAvailable is the number of blocks available for use by user
	// data. This should always be less than or equal to BlocksFree.
	BlocksAvailable uint64
	// Files is the total number of allocated inodes on the filesystem.
	Files uint64
	// FilesFree is the number of remaining inodes available for use.
	FilesFree uint64
	// FileSystemID is the serial number for the disk image, if available.
	FileSystemID uint64
	// MaxNameLength is the longest possible name for a directory entry, in
	// bytes.
	MaxNameLength int64
	// Flags is free for drivers to use as they see fit, mostly to preserve
	// flags present in the boot block.
	Flags int64
	// Label is the volume label, if available.
	Label string
}

// FSFeatures declares the features available on a filesystem, regardless of
// whether the driver implements all of them.
type FSFeatures struct {
	HasDirectories      bool
	HasSymbolicLinks    bool
	HasHardLinks        bool
	HasCreatedTime      bool
	HasAccessedTime     bool
	HasModifiedTime     bool
	HasChangedTime      bool
	HasDeletedTime      bool
	HasUnixPermissions  bool
	HasUserID           bool
	HasGroupID          bool
	HasUserPermissions  bool
	HasGroupPermissions bool

	// TimestampEpoch is the earliest representable timestamp on the
	// filesystem, [UndefinedTimestamp] if timestamps aren't supported.
	TimestampEpoch time.Time

	// DefaultNameEncoding gives the name of the text encoding natively used
	// by the filesystem, in lowercase with no symbols (e.g. "utf8" not
	// "UTF-8").
	DefaultNameEncoding string
	SupportsBootCode    bool

	// MaxBootCodeSize is the maximum number of bytes that can be stored as
	// boot code, 0 if boot code isn't supported.
	MaxBootCodeSize int

	// DefaultBlockSize gives the size of a single block, in bytes.
	DefaultBlockSize int

	MinTotalBlocks uint64
	MaxTotalBlocks uint64
}

// Truncator is an interface for objects that support a Truncate() method
// behaving just like [os.File.Truncate].
type Truncator interface {
	Truncate(size int64) error
}

// File is the expected interface for file handles.
//
// This is intended to be more or less a drop-in replacement for a subset of
// [os.File].
type File interface {
	io.ReadWriteCloser
	io.Seeker
	io.ReaderAt
	io.ReaderFrom
	io.WriterAt
	io.StringWriter
	Truncator

	Name() string
	Stat() (os.FileInfo, error)
	Sync() error
}

// DirectoryEntry represents a file or directory encountered on the
// filesystem. It implements [os.DirEntry] but only fills the values in Stat
// for the features the filesystem supports.
type DirectoryEntry interface {
	os.DirEntry
	Stat() FileStat
}
