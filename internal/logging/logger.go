package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds a JSON logger tagged with component. APP_ENV=dev switches
// to the console writer.
func NewLogger(level, component string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(os.Getenv("APP_ENV"), "dev") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return New(out, level, component)
}

// New builds a logger writing to w.
func New(w io.Writer, level, component string) zerolog.Logger {
	return zerolog.New(w).
		Level(levelFromString(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func levelFromString(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
