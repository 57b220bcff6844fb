// Package log provides structured logging for the engine using zerolog.
//
// It wraps zerolog to provide JSON-structured logging with component-
// specific loggers and helper functions for the request/entity fields the
// engine logs most often (epoch, version id, actor id, fragment id, table
// id).
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
	// Set log level
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

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	// Usable before Init is explicitly called, e.g. in tests.
	Init(Config{Level: InfoLevel, JSONOutput: false, Output: os.Stdout})
}

// WithComponent creates a child logger with a component field, e.g.
// "version-manager" or "stream-graph".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithEpoch creates a child logger with an epoch field.
func WithEpoch(epoch uint64) zerolog.Logger {
	return Logger.With().Uint64("epoch", epoch).Logger()
}

// WithVersionID creates a child logger with a version_id field.
func WithVersionID(versionID uint64) zerolog.Logger {
	return Logger.With().Uint64("version_id", versionID).Logger()
}

// WithActorID creates a child logger with an actor_id field.
func WithActorID(actorID uint32) zerolog.Logger {
	return Logger.With().Uint32("actor_id", actorID).Logger()
}

// WithFragmentID creates a child logger with a fragment_id field.
func WithFragmentID(fragmentID uint32) zerolog.Logger {
	return Logger.With().Uint32("fragment_id", fragmentID).Logger()
}

// WithTableID creates a child logger with a table_id field.
func WithTableID(tableID uint32) zerolog.Logger {
	return Logger.With().Uint32("table_id", tableID).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
