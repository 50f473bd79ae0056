// Package log provides structured logging for sandboxd using zerolog.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with a component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithSandbox creates a child logger with a sandbox_id field
func WithSandbox(sandboxID string) zerolog.Logger {
	return Logger.With().Str("sandbox_id", sandboxID).Logger()
}

// WithUser creates a child logger with a user_id field
func WithUser(userID string) zerolog.Logger {
	return Logger.With().Str("user_id", userID).Logger()
}

// Info logs an info-level message on the global logger.
func Info(msg string) { Logger.Info().Msg(msg) }

// Debug logs a debug-level message on the global logger.
func Debug(msg string) { Logger.Debug().Msg(msg) }

// Warn logs a warn-level message on the global logger.
func Warn(msg string) { Logger.Warn().Msg(msg) }

// Error logs an error-level message on the global logger.
func Error(msg string) { Logger.Error().Msg(msg) }

// Errorf logs an error with the given format string as the message and err attached.
func Errorf(format string, err error) { Logger.Error().Err(err).Msg(format) }

// Fatal logs a fatal message and terminates the process.
func Fatal(msg string) { Logger.Fatal().Msg(msg) }
