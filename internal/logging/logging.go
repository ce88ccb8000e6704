// Package logging sets up the process-wide structured logger every
// other package logs through.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	logger zerolog.Logger
)

// L returns the process-wide logger, initializing it with sane
// defaults on first use.
func L() *zerolog.Logger {
	once.Do(func() {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		logger = zerolog.New(defaultWriter()).With().Timestamp().Logger()
	})
	return &logger
}

func defaultWriter() io.Writer {
	if os.Getenv("SNAPVAULT_LOG_FORMAT") == "console" {
		return zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return os.Stderr
}

// SetLevel adjusts the global minimum log level, e.g. from a CLI
// verbosity flag.
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// Component returns a child logger tagged with a component field, so
// log lines can be filtered by the subsystem that emitted them.
func Component(name string) zerolog.Logger {
	return L().With().Str("component", name).Logger()
}
