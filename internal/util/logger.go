package util

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Logger = zerolog.Logger

// NewLogger builds the process logger. Format is "console" or "json" (default).
func NewLogger(level, format string) Logger {
	return NewLoggerTo(os.Stderr, level, format)
}

func NewLoggerTo(out io.Writer, level, format string) Logger {
	var w io.Writer = out
	if strings.ToLower(strings.TrimSpace(format)) == "console" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Component derives a sub-logger tagged with the component name.
func Component(logger Logger, name string) Logger {
	return logger.With().Str("component", name).Logger()
}
