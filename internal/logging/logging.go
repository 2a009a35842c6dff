// Package logging bootstraps the process-wide zerolog logger: console
// writer to stderr, RFC3339 timestamps.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a console-writer logger at the given level. verbose selects
// Debug, otherwise Info.
func New(verbose bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
