// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a human readable console logger when console is set and a JSON
// logger otherwise. An unknown level falls back to info.
func New(console bool, level string) zerolog.Logger {
	return NewWithWriter(os.Stdout, console, level)
}

// NewWithWriter is New writing to w.
func NewWithWriter(w io.Writer, console bool, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	out := w
	if console {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
