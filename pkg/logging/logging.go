// Package logging wires up the zerolog root logger every component's
// sub-logger branches from, the way cuemby/warren configures one
// process-wide logger and has each subsystem call .With().Str("component", ...).
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures the root logger.
type Options struct {
	Level  string // "debug", "info", "warn", "error"
	Pretty bool   // human-readable console output instead of JSON
	Output io.Writer
}

// DefaultOptions returns info-level, pretty console output to stderr —
// suited to running a single node interactively.
func DefaultOptions() Options {
	return Options{Level: "info", Pretty: true, Output: os.Stderr}
}

// New builds the root logger and also sets it as zerolog's global logger,
// so packages that fall back to github.com/rs/zerolog/log (as pkg/walseg,
// pkg/pager, pkg/storage, pkg/consensus do) pick up the same level and
// output.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(level)
	log.Logger = logger
	return logger
}
