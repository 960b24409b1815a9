package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. It is usable before Setup (info level,
// console output on stderr) so early startup failures are not swallowed.
var Logger = zerolog.New(consoleWriter(os.Stderr)).With().Timestamp().Logger()

// Options selects the output form of the process logger
type Options struct {
	// Level is a zerolog level name ("debug", "info", "warn", "error").
	// Unknown names fall back to info.
	Level string
	// JSON emits machine-readable lines instead of the console form
	JSON bool
	// Writer defaults to stdout
	Writer io.Writer
}

// Setup replaces the process logger. Call it once from main before any
// component derives a child logger.
func Setup(opts Options) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	out := opts.Writer
	if out == nil {
		out = os.Stdout
	}
	if !opts.JSON {
		out = consoleWriter(out)
	}
	Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func consoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
}

// Component derives a child logger tagged with a subsystem name
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Worker derives a child logger tagged with a worker's public name
func Worker(name string) zerolog.Logger {
	return Logger.With().Str("worker", name).Logger()
}
