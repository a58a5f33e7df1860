// Package logging builds the process loggers: stderr plus a rotating file.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/harrisonrobin/todocal/pkg/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Set holds one logger per component, all writing to the same sink.
type Set struct {
	out     io.Writer
	file    *lumberjack.Logger
	verbose bool
}

// New opens the log sink described by cfg. An empty file name logs to
// stderr only.
func New(cfg config.Log, stderr io.Writer) *Set {
	if stderr == nil {
		stderr = os.Stderr
	}
	s := &Set{out: stderr, verbose: cfg.Verbose}
	if cfg.File != "" {
		s.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		s.out = io.MultiWriter(stderr, s.file)
	}
	return s
}

// Logger returns a logger for component, prefixed "[component] ".
func (s *Set) Logger(component string) *log.Logger {
	return log.New(s.out, "["+component+"] ", log.LstdFlags)
}

// Debug returns a logger for per-item lines, discarded unless verbose.
func (s *Set) Debug(component string) *log.Logger {
	if !s.verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(s.out, "["+component+"] DEBUG ", log.LstdFlags)
}

// SetVerbose toggles debug output for loggers created afterwards.
func (s *Set) SetVerbose(v bool) {
	s.verbose = v
}

// Close flushes and closes the log file.
func (s *Set) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
