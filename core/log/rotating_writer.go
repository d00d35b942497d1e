package log

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotatingWriter tees log output to stdout and to a size-rotated file on
// disk, backed by lumberjack. Used by cmd/repopoolctl when --log-dir is
// passed, so a long-running pool manager doesn't grow one unbounded file.
type RotatingWriter struct {
	stdout io.Writer
	lj     *lumberjack.Logger
	multi  io.Writer
}

// RotatingWriterConfig holds configuration for the rotating writer.
type RotatingWriterConfig struct {
	LogDir     string    // Directory where log files will be created
	FilePrefix string    // Base file name, without extension (default: "app")
	MaxSizeMB  int       // Maximum size per file in megabytes (default: 10)
	MaxBackups int       // Number of rotated files to retain (default: 5)
	MaxAgeDays int       // Maximum age of a rotated file in days (default: 28)
	Stdout     io.Writer // Writer for stdout output (default: os.Stdout)
}

// NewRotatingWriter creates a new rotating writer with the specified configuration.
func NewRotatingWriter(config RotatingWriterConfig) (*RotatingWriter, error) {
	if config.FilePrefix == "" {
		config.FilePrefix = "app"
	}
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = 10
	}
	if config.MaxBackups <= 0 {
		config.MaxBackups = 5
	}
	if config.MaxAgeDays <= 0 {
		config.MaxAgeDays = 28
	}
	if config.Stdout == nil {
		config.Stdout = os.Stdout
	}

	if err := os.MkdirAll(config.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	lj := &lumberjack.Logger{
		Filename:   fmt.Sprintf("%s/%s.log", config.LogDir, config.FilePrefix),
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
	}

	rw := &RotatingWriter{
		stdout: config.Stdout,
		lj:     lj,
	}
	rw.multi = io.MultiWriter(rw.stdout, rw.lj)
	return rw, nil
}

// Write implements io.Writer, duplicating output to stdout and the rotated file.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	return rw.multi.Write(p)
}

// Close closes the underlying rotated file.
func (rw *RotatingWriter) Close() error {
	return rw.lj.Close()
}

// GetCurrentLogPath returns the path of the active log file.
func (rw *RotatingWriter) GetCurrentLogPath() string {
	return rw.lj.Filename
}

// Rotate forces an immediate rotation, e.g. on SIGHUP.
func (rw *RotatingWriter) Rotate() error {
	return rw.lj.Rotate()
}
