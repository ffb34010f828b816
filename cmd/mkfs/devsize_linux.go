//go:build linux

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

// deviceSize returns the usable size of the format target in bytes: the
// BLKGETSIZE64 ioctl for block devices, the plain file size otherwise.
func deviceSize(device *os.File) (int64, error) {
	info, err := device.Stat()
	if err != nil {
		return 0, err
	}

	if info.Mode()&os.ModeDevice != 0 && info.Mode()&os.ModeCharDevice == 0 {
		size, err := unix.IoctlGetInt(int(device.Fd()), unix.BLKGETSIZE64)
		if err != nil {
			return 0, err
		}
		return int64(size), nil
	}

	return info.Size(), nil
}
