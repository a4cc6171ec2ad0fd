// Package logging builds the process-wide zerolog logger. Console output
// for interactive runs, with optional rotated file output.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls the logger construction.
type Options struct {
	Level string // zerolog level name, empty means info
	File  string // rotated log file path, empty disables file output
}

// New returns the root logger. Subsystems derive their own with
// With().Str("component", ...).
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	var sink io.Writer = console
	if opts.File != "" {
		sink = zerolog.MultiLevelWriter(console, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    20, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		})
	}

	return zerolog.New(sink).Level(level).With().Timestamp().Logger()
}
