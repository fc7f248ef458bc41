// Package logging builds the single zerolog.Logger threaded through
// every component via constructor injection, grounded on the teacher's
// own structured-logging setup.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|pretty
}

// New builds a zerolog.Logger writing to stdout, JSON by default or a
// colorized console writer in "pretty" mode.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "dglab-relay").
		Logger()
}
