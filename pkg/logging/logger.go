// Package logging provides the zerolog setup shared by every component of the
// device server.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates a new zerolog logger with the given level and format.
// format "console" or "pretty" produces human-readable output; anything else
// (including the empty string) produces JSON suitable for log aggregation.
func New(level string, format string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if format == "console" || format == "pretty" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// WithComponent returns a logger tagged with a component field, matching the
// naming each subsystem uses for its own sub-logger.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
