// Package obslog is a thin zerolog wrapper providing the server's global
// logger plus component-scoped child loggers. Adapted from the teacher
// pack's pkg/log: same Config/Init shape, with the node/service/task tagging
// helpers reduced to the single WithComponent helper. Callers add other
// fields (tool_id, conn_id, customer_id) on the derived loggers themselves.
package obslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Init must be called once before
// any component logger is derived from it.
var Logger zerolog.Logger

// Level is a logging verbosity, matching zerolog's named levels.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init's output format and verbosity.
type Config struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

// Init sets up the global logger. Call once at startup, before spawning any
// goroutine that logs.
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

// WithComponent returns a child logger tagged with the given component name
// (cmd/toolshared uses "server").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
