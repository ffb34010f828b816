// mkfs writes a fresh yaf filesystem onto a block device or a regular
// image file.
//
// Usage:
//
//	mkfs <device>
//
// The exit status is 0 on success and the errno value of the failure
// otherwise.
package main

import (
	"errors"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/dargueta/yaf"
	"github.com/dargueta/yaf/driver"
)

func main() {
	setupLogging()

	app := cli.App{
		Name:      "mkfs",
		Usage:     "build a yaf filesystem",
		ArgsUsage: "<device>",
		Action:    formatDevice,
		// Errors are already reported through the diagnostic log; the exit
		// code is all that's left to surface.
		ExitErrHandler: func(context *cli.Context, err error) {},
	}

	err := app.Run(os.Args)
	if err != nil {
		os.Exit(exitCodeForError(err))
	}
}

func formatDevice(context *cli.Context) error {
	logrus.Info("format the yaf filesystem")

	if context.NArg() != 1 {
		logrus.Error("expected exactly one argument: the device to format")
		cli.ShowAppHelp(context)
		return yaf.ErrInvalidArgument
	}
	devicePath := context.Args().Get(0)

	device, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		logrus.Errorf("open() failed with error %s", err)
		return err
	}
	defer device.Close()

	size, err := deviceSize(device)
	if err != nil {
		logrus.Errorf("sizing %s failed with error %s", devicePath, err)
		return err
	}
	logrus.Infof("%s has %d blocks", devicePath, size/driver.BlockSize)

	err = driver.FormatImage(device, size)
	if err != nil {
		logrus.Errorf("formatting failed with error %s", err)
		return err
	}

	logrus.Info("yaf filesystem has been successfully formatted on the device")
	return nil
}

// exitCodeForError maps a failure onto the errno value the process exits
// with.
func exitCodeForError(err error) int {
	var yafError yaf.YAFError
	if errors.As(err, &yafError) {
		return int(yafError.Errno())
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return int(syscall.EIO)
}
