package yaf

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithMessageKeepsFailureClass(t *testing.T) {
	err := ErrNoSpaceOnDevice.WithMessage("data bitmap exhausted")
	assert.EqualError(t, err, "data bitmap exhausted")
	assert.True(t, errors.Is(err, ErrNoSpaceOnDevice))
	assert.False(t, errors.Is(err, ErrIOFailed))
}

func TestWrapErrorKeepsFailureClass(t *testing.T) {
	cause := fmt.Errorf("short read")
	err := ErrIOFailed.WrapError(cause)
	assert.Contains(t, err.Error(), "Input/output error")
	assert.Contains(t, err.Error(), "short read")
	assert.True(t, errors.Is(err, ErrIOFailed))
}

func TestCastToDriverError(t *testing.T) {
	assert.Nil(t, CastToDriverError(nil))

	direct := ErrNotFound.WithMessage("no such name")
	assert.Equal(t, direct, CastToDriverError(direct))

	foreign := fmt.Errorf("device unplugged")
	cast := CastToDriverError(foreign)
	assert.True(t, errors.Is(cast, ErrIOFailed))
}

func TestErrnoMapping(t *testing.T) {
	assert.Equal(t, syscall.ENOSPC, ErrNoSpaceOnDevice.Errno())
	assert.Equal(t, syscall.ENOENT, ErrNotFound.Errno())
	assert.Equal(t, syscall.ENAMETOOLONG, ErrNameTooLong.Errno())
	assert.Equal(t, syscall.EINVAL, ErrInvalidFileSystem.Errno())
	assert.Equal(t, syscall.ENOTEMPTY, ErrDirectoryNotEmpty.Errno())
}
