// Package logging builds the per-component loggers used across peersync.
//
// Every component logs through a standard *log.Logger with a "[component] "
// prefix. All loggers from one Factory share a writer: stderr by default, or
// a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log destination.
type Options struct {
	// File rotates logs into this path; empty logs to stderr
	File string

	// MaxSizeMB is the size at which the file is rotated (default: 10)
	MaxSizeMB int

	// MaxBackups is how many rotated files are kept (default: 3)
	MaxBackups int

	// MaxAgeDays is how long rotated files are kept (default: 28)
	MaxAgeDays int

	// Quiet discards logs entirely
	Quiet bool
}

// Factory hands out loggers that share one destination.
type Factory struct {
	w      io.Writer
	closer io.Closer
}

// Open creates a factory for opts.
func Open(opts Options) (*Factory, error) {
	switch {
	case opts.Quiet:
		return &Factory{w: io.Discard}, nil

	case opts.File == "":
		return &Factory{w: os.Stderr}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	lj := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, 10),
		MaxBackups: orDefault(opts.MaxBackups, 3),
		MaxAge:     orDefault(opts.MaxAgeDays, 28),
	}
	return &Factory{w: lj, closer: lj}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// New returns a logger prefixed with "[component] ".
func (f *Factory) New(component string) *log.Logger {
	return log.New(f.w, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared destination.
func (f *Factory) Writer() io.Writer {
	return f.w
}

// Close releases the log file, if any.
func (f *Factory) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
