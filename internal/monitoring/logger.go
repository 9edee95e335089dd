package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/kha997/zenamanagephp-sub064/internal/types"
	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  types.LogLevel  // Minimum log level
	Format types.LogFormat // Output format
	Output io.Writer       // Defaults to os.Stdout
}

// NewLogger creates a structured logger configured for Loki integration.
//
// JSON output carries a timestamp, caller and a fixed service field so gateway
// logs can be filtered next to the rest of the platform:
//
//	logger := NewLogger(LoggerConfig{Level: types.LogLevelInfo, Format: types.LogFormatJSON})
//	logger.Info().Str("component", "registry").Int("connections", 10).Msg("Registry ready")
func NewLogger(config LoggerConfig) zerolog.Logger {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	var level zerolog.Level
	switch config.Level {
	case types.LogLevelDebug:
		level = zerolog.DebugLevel
	case types.LogLevelWarn:
		level = zerolog.WarnLevel
	case types.LogLevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	if config.Format == types.LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Str("service", "ws-gateway").
		Logger()
}

// LogError logs an error with context fields
//
//	LogError(logger, err, "Failed to broadcast", map[string]any{"channel": ch})
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is a helper for goroutine panic recovery that logs but doesn't exit.
//
// Defer it FIRST in every per-connection and ingest goroutine so a bug in one
// connection's handling cannot take the process (and every other tenant) down:
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "writePump", map[string]any{"conn_id": id})
//	    // ... goroutine work ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("Goroutine panic recovered")
		PanicsRecovered.WithLabelValues(goroutineName).Inc()
	}
}
