// Package common holds build information and logger setup shared by the
// coordinator binary and its HTTP server.
package common

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var (
	// PackageName prefixes metric names and identifies the service in logs.
	PackageName = "secagg"

	// Version is set at build time with -ldflags "-X ...common.Version=...".
	Version = "dev"
)

// LoggingOpts configures SetupLogger.
type LoggingOpts struct {
	// Level is one of debug, info, warn or error. Unknown values mean info.
	Level string `yaml:"level"`

	// JSON switches from text to JSON output.
	JSON bool `yaml:"json"`

	// Service is attached to every record, unless empty.
	Service string `yaml:"service"`

	// Output defaults to stderr.
	Output io.Writer `yaml:"-"`
}

// SetupLogger creates the process logger.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	log := slog.New(handler).With("version", Version)
	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	return log
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
