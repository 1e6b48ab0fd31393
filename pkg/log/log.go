package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger. Packages never use it directly; they derive a
// component logger through WithComponent so every line carries its origin.
var Logger zerolog.Logger

// Config holds logging configuration
type Config struct {
	// Level is a zerolog level name: debug, info, warn, error.
	// Unrecognized values fall back to info.
	Level string

	// JSONOutput selects machine-readable output; the default is a
	// console writer for humans
	JSONOutput bool

	// Output defaults to stdout
	Output io.Writer
}

// Init initializes the root logger. Call once from main before any
// component logger is derived.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent derives the logger a package logs through. Per-invocation
// fields (trace_id, plugin_id, operation_id) are attached at the call site
// with zerolog's own With, not here: they vary per request, components
// don't.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
