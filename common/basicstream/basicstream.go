// Package basicstream implements a basic file-like abstraction around a
// block-oriented cache, emulating a subset of the functionality provided by
// an [os.File].

package basicstream

import (
	"fmt"
	"io"
	"math"

	"github.com/dargueta/yaf"
	c "github.com/dargueta/yaf/common"
	"github.com/dargueta/yaf/common/blockcache"
)

// BasicStream is a file-like wrapper around a [blockcache.BlockCache].
type BasicStream struct {
	size     int64
	position int64
	data     *blockcache.BlockCache
	ioFlags  yaf.IOFlags
}

// New creates a [BasicStream] on top of a block cache. `size` gives the
// exact size of the stream in bytes and must be between 0 and `data.Size()`
// inclusive; the tail of the final block beyond `size` is invisible through
// the stream.
//
// All relevant behaviors of [yaf.IOFlags] are implemented. In particular:
//
//   - Read/write permissions are enforced, e.g. attempting to write to a
//     stream created with [yaf.O_RDONLY] fails with [yaf.ErrNotPermitted].
//   - [yaf.O_APPEND], [yaf.O_SYNC], and [yaf.O_TRUNC] are obeyed.
func New(
	size int64,
	data *blockcache.BlockCache,
	flags yaf.IOFlags,
) (*BasicStream, error) {
	maxSize := data.Size()
	if size < 0 || size > maxSize {
		return nil, fmt.Errorf(
			"invalid stream size: %d not in the range [0, %d]",
			size,
			maxSize,
		)
	}

	stream := &BasicStream{
		size:     size,
		position: 0,
		data:     data,
		ioFlags:  flags,
	}

	if flags.Truncate() {
		return stream, stream.Truncate(0)
	}
	return stream, nil
}

// convertLinearAddr splits a byte offset into a block index plus an offset
// within that block. It disregards the actual size of the stream, so it can
// (by design) produce addresses beyond the end of the stream.
func (stream *BasicStream) convertLinearAddr(offset int64) (blk c.LogicalBlock, offs uint) {
	bytesPerBlock := int64(stream.data.BytesPerBlock())
	blk = c.LogicalBlock(offset / bytesPerBlock)
	offs = uint(offset % bytesPerBlock)
	return
}

// Close writes out all pending changes to the underlying storage. The stream
// must not be used for I/O operations after calling this method.
func (stream *BasicStream) Close() error {
	return stream.Sync()
}

// Read implements [io.Reader].
func (stream *BasicStream) Read(buffer []byte) (int, error) {
	totalRead, err := stream.ReadAt(buffer, stream.position)
	stream.position += int64(totalRead)
	return totalRead, err
}

// ReadAt implements [io.ReaderAt].
func (stream *BasicStream) ReadAt(buffer []byte, offset int64) (int, error) {
	if !stream.ioFlags.Read() {
		return 0, yaf.ErrNotPermitted
	}

	bufLen := int64(len(buffer))
	if bufLen == 0 {
		return 0, nil
	}

	// Clamp the read to whatever is left between `offset` and EOF.
	var numBytesToRead int64
	if offset >= stream.size {
		return 0, io.EOF
	} else if offset+bufLen >= stream.size {
		numBytesToRead = stream.size - offset
	} else {
		numBytesToRead = bufLen
	}

	firstBlock, startOffset := stream.convertLinearAddr(offset)
	lastBlock, _ := stream.convertLinearAddr(offset + numBytesToRead - 1)

	sourceData, err := stream.data.GetSlice(firstBlock, uint(lastBlock-firstBlock+1))
	if err != nil {
		return 0, err
	}

	copy(buffer, sourceData[startOffset:startOffset+uint(numBytesToRead)])

	if numBytesToRead < bufLen {
		err = io.EOF
	}
	return int(numBytesToRead), err
}

// ReadFrom implements [io.ReaderFrom].
func (stream *BasicStream) ReadFrom(r io.Reader) (n int64, err error) {
	if !stream.ioFlags.Write() {
		return 0, yaf.ErrNotPermitted
	}

	// When copying from another BasicStream, match its block size so reads
	// line up with its cache; otherwise fall back to 512 bytes.
	otherStream, ok := r.(*BasicStream)
	var blockSize int
	if ok {
		blockSize = int(otherStream.data.BytesPerBlock())
	} else {
		blockSize = 512
	}

	buffer := make([]byte, blockSize)

	totalBytesRead := int64(0)
	for {
		lastReadSize, readErr := r.Read(buffer)
		totalBytesRead += int64(lastReadSize)

		_, writeErr := stream.Write(buffer[:lastReadSize])
		if readErr == io.EOF {
			return totalBytesRead, nil
		} else if readErr != nil {
			return totalBytesRead, readErr
		} else if writeErr != nil {
			return totalBytesRead, writeErr
		}
	}
}

// Seek resets the stream pointer to `offset` bytes from the origin given in
// `whence`, one of [io.SeekStart], [io.SeekCurrent], or [io.SeekEnd].
//
// Seeking past the end of the stream is allowed; the stream is grown on the
// first write past the end. Reads past the end return no data.
func (stream *BasicStream) Seek(offset int64, whence int) (int64, error) {
	var absoluteOffset int64

	switch whence {
	case io.SeekStart:
		absoluteOffset = offset
	case io.SeekCurrent:
		absoluteOffset = stream.position + offset
	case io.SeekEnd:
		absoluteOffset = stream.size + offset
	default:
		return stream.position, fmt.Errorf("invalid seek origin: %d", whence)
	}

	if absoluteOffset < 0 {
		return stream.position,
			fmt.Errorf(
				"result of Seek(offset=%d, whence=%d) is negative: %d",
				offset,
				whence,
				absoluteOffset,
			)
	}

	stream.position = absoluteOffset
	return absoluteOffset, nil
}

// Size returns the size of the stream, in bytes.
func (stream *BasicStream) Size() int64 {
	return stream.size
}

// Sync writes out all pending changes to the backing storage.
func (stream *BasicStream) Sync() error {
	return stream.data.Flush()
}

// Tell returns the current stream position. It's slightly more efficient
// than `Seek(0, io.SeekCurrent)`.
func (stream *BasicStream) Tell() int64 {
	return stream.position
}

// Truncate resizes the stream to the given number of bytes without moving
// the stream pointer.
func (stream *BasicStream) Truncate(size int64) error {
	if !stream.ioFlags.Write() {
		return yaf.ErrNotPermitted
	}

	if size < 0 {
		return yaf.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("truncate failed: %d is not a valid stream size", size),
		)
	} else if uint64(size) > math.MaxUint {
		return yaf.ErrFileTooLarge.WithMessage(
			fmt.Sprintf("truncate failed: new stream size %d is too large", size),
		)
	}

	err := stream.data.Resize(stream.data.GetMinBlocksForSize(uint(size)))
	if err != nil {
		return err
	}

	stream.size = size

	if stream.ioFlags.Synchronous() {
		return stream.Sync()
	}
	return nil
}

// Write implements [io.Writer].
func (stream *BasicStream) Write(buffer []byte) (int, error) {
	var err error

	if !stream.ioFlags.Write() {
		return 0, yaf.ErrNotPermitted
	}

	// O_APPEND forces the stream pointer to EOF before every write.
	if stream.ioFlags.Append() {
		_, err = stream.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, err
		}
	}

	// Must be implWriteAt, not WriteAt; WriteAt fails when O_APPEND is set.
	totalWritten, err := stream.implWriteAt(buffer, stream.position)
	stream.position += int64(totalWritten)
	return totalWritten, err
}

// implWriteAt is WriteAt minus the O_APPEND restriction.
func (stream *BasicStream) implWriteAt(buffer []byte, offset int64) (int, error) {
	if !stream.ioFlags.Write() {
		return 0, yaf.ErrNotPermitted
	}

	bufLen := int64(len(buffer))
	if bufLen == 0 {
		return 0, nil
	}

	startBlock, startOffset := stream.convertLinearAddr(offset)
	lastBlock, _ := stream.convertLinearAddr(offset + bufLen - 1)

	// Writing past the end of the stream grows it first.
	if uint(lastBlock) >= stream.data.TotalBlocks() {
		err := stream.Truncate(offset + bufLen)
		if err != nil {
			return 0, err
		}
	}

	targetSlice, err := stream.data.GetSlice(startBlock, uint(lastBlock-startBlock)+1)
	if err != nil {
		return 0, err
	}

	copy(targetSlice[startOffset:], buffer)
	err = stream.data.MarkBlockRangeDirty(startBlock, uint(lastBlock-startBlock)+1)
	if err != nil {
		return 0, err
	}

	if offset+bufLen > stream.size {
		stream.size = offset + bufLen
	}

	if stream.ioFlags.Synchronous() {
		return len(buffer), stream.Sync()
	}
	return len(buffer), nil
}

// WriteAt implements [io.WriterAt]. It is an error to use this function on a
// stream created with the [yaf.O_APPEND] flag.
func (stream *BasicStream) WriteAt(buffer []byte, offset int64) (int, error) {
	if stream.ioFlags.Append() {
		return 0, yaf.ErrNotPermitted
	}
	return stream.implWriteAt(buffer, offset)
}

// WriteString implements [io.StringWriter].
func (stream *BasicStream) WriteString(s string) (int, error) {
	return stream.Write([]byte(s))
}

// WriteTo implements [io.WriterTo].
func (stream *BasicStream) WriteTo(w io.Writer) (n int64, err error) {
	buffer := make([]byte, stream.data.BytesPerBlock())
	totalWritten := int64(0)

	for {
		chunkSize, err := stream.Read(buffer)

		// Write out whatever was read regardless of errors.
		if chunkSize > 0 {
			w.Write(buffer[:chunkSize])
			totalWritten += int64(chunkSize)
		}

		if err == io.EOF {
			return totalWritten, nil
		} else if err != nil {
			return totalWritten, err
		}
	}
}
