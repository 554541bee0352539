// Package metrics exposes the engine's Prometheus instrumentation. It is
// wired into the dispatcher the way the teacher wraps its worker pool
// with a MetricsCollector: call sites never need a nil check, since
// Noop satisfies the same interface with every method a no-op.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives dispatcher lifecycle events.
type Collector interface {
	RunStarted(workflowID string)
	RunCompleted(workflowID string, duration time.Duration)
	RunFailed(workflowID string)
	RunRetried(workflowID string)
	StepCompleted(workflowID, stepID string, duration time.Duration)
	QueueDepth(queueName string, depth float64)
}

// Prometheus is the production Collector, registering its metrics
// against reg (typically prometheus.DefaultRegisterer).
type Prometheus struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsFailed    *prometheus.CounterVec
	runsRetried   *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stepDuration  *prometheus.HistogramVec
	queueDepth    *prometheus.GaugeVec
}

// NewPrometheus creates and registers the engine's metrics against reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro", Name: "runs_started_total",
			Help: "Total workflow runs dispatched.",
		}, []string{"workflow_id"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro", Name: "runs_completed_total",
			Help: "Total workflow runs completed successfully.",
		}, []string{"workflow_id"}),
		runsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro", Name: "runs_failed_total",
			Help: "Total workflow runs that exhausted their retry policy.",
		}, []string{"workflow_id"}),
		runsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro", Name: "runs_retried_total",
			Help: "Total retry attempts scheduled after a failed dispatch.",
		}, []string{"workflow_id"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "maestro", Name: "run_duration_seconds",
			Help:    "Wall-clock duration of a completed run.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow_id"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "maestro", Name: "step_duration_seconds",
			Help:    "Duration of a single step.run execution.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow_id", "step_id"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "maestro", Name: "queue_depth",
			Help: "Approximate number of pending jobs on a queue.",
		}, []string{"queue"}),
	}

	reg.MustRegister(p.runsStarted, p.runsCompleted, p.runsFailed, p.runsRetried, p.runDuration, p.stepDuration, p.queueDepth)
	return p
}

func (p *Prometheus) RunStarted(workflowID string) { p.runsStarted.WithLabelValues(workflowID).Inc() }

func (p *Prometheus) RunCompleted(workflowID string, d time.Duration) {
	p.runsCompleted.WithLabelValues(workflowID).Inc()
	p.runDuration.WithLabelValues(workflowID).Observe(d.Seconds())
}

func (p *Prometheus) RunFailed(workflowID string) { p.runsFailed.WithLabelValues(workflowID).Inc() }

func (p *Prometheus) RunRetried(workflowID string) { p.runsRetried.WithLabelValues(workflowID).Inc() }

func (p *Prometheus) StepCompleted(workflowID, stepID string, d time.Duration) {
	p.stepDuration.WithLabelValues(workflowID, stepID).Observe(d.Seconds())
}

func (p *Prometheus) QueueDepth(queueName string, depth float64) {
	p.queueDepth.WithLabelValues(queueName).Set(depth)
}

// Noop discards every event; it is the default Collector so the
// dispatcher never needs a nil check.
type Noop struct{}

func (Noop) RunStarted(string)                        {}
func (Noop) RunCompleted(string, time.Duration)        {}
func (Noop) RunFailed(string)                          {}
func (Noop) RunRetried(string)                         {}
func (Noop) StepCompleted(string, string, time.Duration) {}
func (Noop) QueueDepth(string, float64)                {}

var _ Collector = Noop{}
var _ Collector = (*Prometheus)(nil)
