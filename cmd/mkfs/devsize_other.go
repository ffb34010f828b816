//go:build !linux

package main

import "os"

// deviceSize returns the size of the format target in bytes. Block-device
// sizing ioctls are Linux-specific; everywhere else the stat size has to
// do.
func deviceSize(device *os.File) (int64, error) {
	info, err := device.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
