package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a JSON logger writing to stdout, tagged with component.
// The level comes from CM_LOG_LEVEL and defaults to info.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, ParseLogLevel(os.Getenv("CM_LOG_LEVEL")))
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// WithInstruction tags l with the identifying fields of one instruction.
func WithInstruction(l zerolog.Logger, kind, idempotencyKey string) zerolog.Logger {
	return l.With().Str("kind", kind).Str("idempotency_key", idempotencyKey).Logger()
}

// ParseLogLevel maps debug/info/warn/error; anything else is info.
func ParseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
