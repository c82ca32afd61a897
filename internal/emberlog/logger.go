// Package emberlog provides structured logging for the engine's
// Database/Tx boundary. The B+ tree, node, and cursor layers stay
// silent; only database open, commit and database close are logged.
package emberlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the event-chain interface the engine logs through. It is
// satisfied by *zerolog.Logger, so a caller that already has one can
// set it as the engine's logger directly instead of calling New.
type Logger interface {
	Debug() *zerolog.Event
	Info() *zerolog.Event
	Warn() *zerolog.Event
	Error() *zerolog.Event
}

type wrapped struct {
	z zerolog.Logger
}

func (w wrapped) Debug() *zerolog.Event { return w.z.Debug() }
func (w wrapped) Info() *zerolog.Event  { return w.z.Info() }
func (w wrapped) Warn() *zerolog.Event  { return w.z.Warn() }
func (w wrapped) Error() *zerolog.Event { return w.z.Error() }

// Config configures New.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool
	Output io.Writer
}

// New builds a Logger per cfg.
func New(cfg Config) Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	z := zerolog.New(output).Level(level).With().Timestamp().Str("component", "ember").Logger()
	return wrapped{z: z}
}

// Default returns a Logger discarding everything, used when Options
// leaves Logger nil so the engine never needs to check for a nil
// logger at every call site.
func Default() Logger {
	return wrapped{z: zerolog.Nop()}
}
