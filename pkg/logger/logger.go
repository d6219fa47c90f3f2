package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance
var Log zerolog.Logger

func init() {
	Log = New(os.Getenv("APP_ENV"), os.Stdout)
}

// New builds a logger writing JSON to out in production and a human readable
// console format to stderr in every other environment.
func New(env string, out io.Writer) zerolog.Logger {
	l := zerolog.New(out).
		With().
		Timestamp().
		Logger()

	// Pretty print for development
	if env != "production" {
		l = l.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return l
}

// Configure rebuilds the global logger for env and applies level.
// Unknown or empty levels fall back to info.
func Configure(level, env string) {
	Log = New(env, os.Stdout).Level(ParseLevel(level))
}

// ParseLevel maps a level name onto zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// GetLogger returns the global logger instance
func GetLogger() zerolog.Logger {
	return Log
}

// Component returns a child of the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
