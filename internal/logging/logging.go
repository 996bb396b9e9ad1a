// Package logging wires component loggers to stderr and, optionally, a
// rotating log file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Setup.
type Options struct {
	// File enables a rotating log file (empty: stderr only)
	File string

	// MaxSizeMB is the size at which the file rotates (default: 10)
	MaxSizeMB int

	// MaxBackups is how many rotated files are kept (default: 3)
	MaxBackups int

	// Quiet drops stderr output; the file still receives everything
	Quiet bool
}

var (
	mu     sync.Mutex
	output io.Writer = os.Stderr
	closer io.Closer
)

// Setup sets the destination for loggers created afterwards with New and
// for the standard logger. Call the returned function to flush and close
// the log file.
func Setup(opts Options) (func() error, error) {
	mu.Lock()
	defer mu.Unlock()

	var writers []io.Writer
	if !opts.Quiet {
		writers = append(writers, os.Stderr)
	}

	var file *lumberjack.Logger
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, err
		}
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = 10
		}
		if opts.MaxBackups <= 0 {
			opts.MaxBackups = 3
		}
		file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		writers = append(writers, file)
	}

	switch len(writers) {
	case 0:
		output = io.Discard
	case 1:
		output = writers[0]
	default:
		output = io.MultiWriter(writers...)
	}
	closer = file
	log.SetOutput(output)

	return func() error {
		mu.Lock()
		defer mu.Unlock()
		if file == nil || closer != file {
			return nil
		}
		output = os.Stderr
		closer = nil
		log.SetOutput(os.Stderr)
		return file.Close()
	}, nil
}

// New returns a logger with a bracketed component prefix, e.g. New("sync")
// logs as "[sync] ...".
func New(component string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	return log.New(output, "["+component+"] ", log.LstdFlags)
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
