// Package log provides the structured logging configuration shared across
// the engine: a thin wrapper over log/slog that standardizes field names,
// output format, and level selection from the environment.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// LevelTrace is more verbose than Debug, used for per-step replay tracing.
const LevelTrace = slog.Level(-8)

// Standard field keys for structured logging.
const (
	RunIDKey         = "run_id"
	StepIDKey        = "step_id"
	WorkflowKey      = "workflow_id"
	EventKey         = "event"
	DurationKey      = "duration_ms"
	QueueKey         = "queue"
	AttemptKey       = "attempt"
	CorrelationIDKey = "correlation_id"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format sets the output format (json, text). Default: json.
	Format Format

	// Output is the writer for log output. Default: os.Stderr.
	Output io.Writer

	// AddSource adds source file and line information to logs.
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv builds a Config from the environment. Supported variables:
//   - MAESTRO_DEBUG: true/1 enables debug level and source logging
//   - MAESTRO_LOG_LEVEL: trace, debug, info, warn, error
//   - LOG_FORMAT: json, text
//   - LOG_SOURCE: 1 enables source file/line
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("MAESTRO_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	} else if level := os.Getenv("MAESTRO_LOG_LEVEL"); level != "" {
		cfg.Level = strings.ToLower(level)
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

// New creates a structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRunContext returns a logger annotated with run/workflow identity.
func WithRunContext(logger *slog.Logger, runID, workflowID string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(WorkflowKey, workflowID))
}

// WithStepContext returns a logger annotated with run/step identity.
func WithStepContext(logger *slog.Logger, runID, stepID string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(StepIDKey, stepID))
}

// WithQueueContext returns a logger annotated with the queue a job came from.
func WithQueueContext(logger *slog.Logger, queue string) *slog.Logger {
	return logger.With(slog.String(QueueKey, queue))
}

// WithCorrelationID returns a logger annotated with a run's correlation id,
// so every log line for a run can be traced across process restarts and
// dispatch attempts without the caller threading it through manually.
func WithCorrelationID(logger *slog.Logger, correlationID string) *slog.Logger {
	if correlationID == "" {
		return logger
	}
	return logger.With(slog.String(CorrelationIDKey, correlationID))
}

// Duration creates a duration attribute expressed in milliseconds.
func Duration(key string, ms int64) slog.Attr { return slog.Int64(key+"_ms", ms) }

// Error creates an error attribute.
func Error(err error) slog.Attr { return slog.Any("error", err) }

// Trace logs at trace level, the verbosity used for per-step replay detail.
func Trace(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	if !logger.Enabled(nil, LevelTrace) {
		return
	}
	logger.LogAttrs(nil, LevelTrace, msg, attrs...)
}
