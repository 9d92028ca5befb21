// Package log wraps zerolog with the global-logger-plus-child-logger
// pattern used across this module: one process-wide Logger configured at
// startup via Init, and component/node/endpoint scoped children
// derived from it for structured, filterable output.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger identifying the owning package
// (e.g. "core", "provider"), used for one-off log lines at call sites that
// don't hold a logger of their own.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNode creates a child logger scoped to one remote node, held as a
// field on node.Node for the lifetime of that node rather than rebuilt per
// call.
func WithNode(identifier string) zerolog.Logger {
	return Logger.With().Str("component", "node").Str("node", identifier).Logger()
}

// WithEndpoint creates a child logger scoped to one endpoint's (host,
// port, service) triple, held as a field on endpoint.Endpoint so every
// connect/disconnect log line it emits over its lifetime carries that
// identity without re-specifying it.
func WithEndpoint(host string, port uint16, service string) zerolog.Logger {
	return Logger.With().Str("component", "endpoint").Str("host", host).Uint16("port", port).Str("service", service).Logger()
}
