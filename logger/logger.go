// Package logger provides the structured diagnostics sink used by every
// echorelay component. Entries carry a service name, a timestamp and optional
// key-value fields, and are written through zerolog to stderr and, optionally,
// to a daily-rotated log file.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Field represents a key-value pair for structured log output.
type Field struct {
	Key   string
	Value any
}

// Logger is an interface for structured logging. Components receive a Logger
// explicitly and derive scoped loggers with With.
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	Error(msg string, fields ...Field)

	// With returns a new Logger that includes the given fields in all
	// subsequent log entries. The original Logger is unchanged.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger with the specified fields
	With(fields ...Field) Logger

	// Close releases resources held by the logger (e.g. file handles).
	// It is safe to call multiple times.
	Close() error
}

// Config describes where diagnostics go.
type Config struct {
	// Service is attached to every entry as the "service" field.
	Service string
	// Level is the minimum level written.
	Level zerolog.Level
	// Console switches stderr output from JSON lines to human-readable text.
	Console bool
	// Dir, when non-empty, additionally writes JSON lines to {Service}_{date}.log
	// files in Dir, rotated daily.
	Dir string
	// Output overrides stderr. Mostly useful in tests.
	Output io.Writer
}

// DefaultConfig returns a Config writing info-level console output to stderr.
//
// Parameters:
//   - service: Name of the service, added as a field to every log entry
//
// Returns:
//   - A Config with Level info, Console true and no file sink
func DefaultConfig(service string) Config {
	return Config{
		Service: service,
		Level:   zerolog.InfoLevel,
		Console: true,
	}
}

// zerologLogger is the zerolog-based implementation of Logger.
type zerologLogger struct {
	logger zerolog.Logger
	file   *DailyFile
}

// New builds a Logger from cfg.
//
// Returns:
//   - The Logger, or an error if the log directory or file could not be opened
func New(cfg Config) (Logger, error) {
	var out io.Writer = os.Stderr
	if cfg.Output != nil {
		out = cfg.Output
	}

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: !isTerminal(out)}
	}

	var file *DailyFile
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := NewDailyFile(cfg.Service, cfg.Dir)
		if err != nil {
			return nil, err
		}

		file = f
		out = zerolog.MultiLevelWriter(out, file)
	}

	return &zerologLogger{
		logger: zerolog.New(out).With().Str("service", cfg.Service).Timestamp().Logger().Level(cfg.Level),
		file:   file,
	}, nil
}

// NewZerologLogger wraps an existing zerolog.Logger, adding the service name and
// a timestamp to all entries and filtering by level.
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
	}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// Debug implements Logger.
func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

// Info implements Logger.
func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

// Warn implements Logger.
func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

// Error implements Logger.
func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

// With implements Logger. Derived loggers share the file sink but do not own it.
func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		logger: z.logger.With().Fields(toMap(fields)).Logger(),
	}
}

// Close implements Logger.
func (z *zerologLogger) Close() error {
	if z.file != nil {
		return z.file.Close()
	}

	return nil
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
