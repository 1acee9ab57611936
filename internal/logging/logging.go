// Package logging builds the component loggers used across relaysync.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures log output.
type Options struct {
	// File enables rotating file output when non-empty. Console output
	// to stderr is always on.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a logger with the given component prefix, e.g. "[sync] ".
// With a file configured, output goes to both stderr and a size-rotated
// log file.
func New(prefix string, opts Options) *log.Logger {
	var w io.Writer = os.Stderr
	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, rotating)
	}
	return log.New(w, prefix, log.LstdFlags)
}
