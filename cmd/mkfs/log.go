package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var levelColors = map[logrus.Level]*color.Color{
	logrus.ErrorLevel: color.New(color.FgRed, color.Bold),
	logrus.FatalLevel: color.New(color.FgRed, color.Bold),
	logrus.PanicLevel: color.New(color.FgRed, color.Bold),
	logrus.WarnLevel:  color.New(color.FgYellow),
	logrus.InfoLevel:  color.New(color.FgGreen),
	logrus.DebugLevel: color.New(color.FgCyan),
	logrus.TraceLevel: color.New(color.FgCyan),
}

// diagnosticFormatter renders log entries as `LEVEL[mkfs(file:line)]: message`
// lines, colorizing the level tag when stderr is a terminal.
type diagnosticFormatter struct{}

func (f *diagnosticFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := strings.ToUpper(entry.Level.String())
	if painter, ok := levelColors[entry.Level]; ok {
		level = painter.Sprint(level)
	}

	location := "mkfs"
	if entry.Caller != nil {
		location = fmt.Sprintf(
			"mkfs(%s:%d)",
			filepath.Base(entry.Caller.File),
			entry.Caller.Line,
		)
	}

	return []byte(fmt.Sprintf("%s[%s]: %s\n", level, location, entry.Message)), nil
}

func setupLogging() {
	color.NoColor = !isatty.IsTerminal(os.Stderr.Fd())
	logrus.SetOutput(os.Stderr)
	logrus.SetReportCaller(true)
	logrus.SetFormatter(&diagnosticFormatter{})
}
