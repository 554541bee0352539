package maestro

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/maestro-run/maestro/internal/backend"
	"github.com/maestro-run/maestro/internal/metrics"
	"github.com/maestro-run/maestro/internal/queue"
)

// EngineOption configures an Engine at construction time.
type EngineOption func(*engineConfig)

type engineConfig struct {
	backend backend.Backend
	queue   queue.Queue
	logger  *slog.Logger
	metrics metrics.Collector
	tracer  trace.Tracer
	workers int
}

// WithBackend sets the storage backend. Required.
func WithBackend(be backend.Backend) EngineOption {
	return func(c *engineConfig) { c.backend = be }
}

// WithQueue sets the job queue. Required.
func WithQueue(q queue.Queue) EngineOption {
	return func(c *engineConfig) { c.queue = q }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(c *engineConfig) { c.logger = l }
}

// WithMetrics overrides the default no-op metrics collector.
func WithMetrics(m metrics.Collector) EngineOption {
	return func(c *engineConfig) { c.metrics = m }
}

// WithTracer sets the OpenTelemetry tracer used for per-dispatch spans.
func WithTracer(t trace.Tracer) EngineOption {
	return func(c *engineConfig) { c.tracer = t }
}

// WithWorkers sets the number of goroutines consuming the shared queue.
func WithWorkers(n int) EngineOption {
	return func(c *engineConfig) { c.workers = n }
}
