// Package logging builds the process-wide zerolog logger: console output
// during development, JSON during production, with an optional rotating
// file sink so the console and the on-disk log can diverge in format.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "console" or "json"

	// FilePath, when non-empty, adds a rotating file sink alongside
	// whatever the console/stdout writer is.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a zerolog.Logger per opts and sets it as the global level.
func New(opts Options) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(opts.Level))

	var writers []io.Writer
	if opts.Format == "json" {
		writers = append(writers, os.Stdout)
	} else {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}

	if opts.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
		})
	}

	out := zerolog.MultiLevelWriter(writers...)
	return zerolog.New(out).With().Timestamp().Str("service", "simpleroutera").Logger()
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// parseLevel converts a string log level to a zerolog.Level, defaulting
// to info on anything unrecognized.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
