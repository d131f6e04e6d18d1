// Package logging configures the daemon's structured logger. It mirrors
// the pack's pkg/log convention: a package-level zerolog.Logger, a small
// Level enum, and WithX helpers that stamp child loggers with the field
// a reader will grep for.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Init must be called before use;
// until then it writes to stderr, with no level filter of its own, so
// early startup errors are never silently dropped.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level is the configured verbosity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

// Init replaces the global logger per cfg.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.JSON {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the subsystem name,
// e.g. "worker", "watch", "transfer".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNode returns a child logger additionally tagged with a node name.
func WithNode(component, node string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("node", node).Logger()
}

// WithTask returns a child logger tagged with a task name, for worker
// pool diagnostics.
func WithTask(component, task string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("task", task).Logger()
}
