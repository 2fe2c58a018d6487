package observ

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Setup configures the process-wide logger. level is one of zerolog's
// level strings ("debug", "info", ...); pretty switches to console output
// for local runs.
func Setup(level string, pretty bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.New(os.Stdout)
	if pretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	logger = out.Level(lvl).With().Timestamp().Logger()
}

// Log emits one structured event line.
func Log(event string, kv map[string]any) {
	logger.Info().Fields(kv).Str("event", event).Send()
}

// Error emits an error-level event line, attaching err when non-nil.
func Error(event string, err error, kv map[string]any) {
	e := logger.Error().Fields(kv).Str("event", event)
	if err != nil {
		e = e.Err(err)
	}
	e.Send()
}

// Debug emits a debug-level event line; dropped unless Setup raised verbosity.
func Debug(event string, kv map[string]any) {
	logger.Debug().Fields(kv).Str("event", event).Send()
}
