// Package engine is the façade/lifecycle layer: it accepts plans, registers
// them with the scheduler and store, coordinates start/cancel, and surfaces
// run status. It owns no DAG semantics of its own — every decision about
// readiness, retries, or control flow lives in package scheduler.
package engine

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/dagwright/flowengine/scheduler"
)

// Option configures an Engine using the standard functional-options
// pattern, generalized here to this domain's configuration surface.
type Option func(*config) error

type config struct {
	schedulerCfg scheduler.Config
	resolver     scheduler.CommandResolver
	metrics      *scheduler.PrometheusMetrics
	logger       *slog.Logger
	tracer       trace.Tracer
}

// WithMaxParallelism bounds the number of Driver.RunNode calls in flight at
// once across every run the Engine drives. 0 (the default) means unlimited.
func WithMaxParallelism(n int) Option {
	return func(c *config) error {
		c.schedulerCfg.MaxParallelism = n
		return nil
	}
}

// WithDefaultMaxRetries backfills NodeSpec.Retries for task nodes that leave
// it at zero.
func WithDefaultMaxRetries(n int) Option {
	return func(c *config) error {
		c.schedulerCfg.DefaultMaxRetries = n
		return nil
	}
}

// WithDefaultBackoff sets the base duration for the scheduler's exponential
// retry backoff (doubled per attempt, capped at 60s).
func WithDefaultBackoff(d time.Duration) Option {
	return func(c *config) error {
		c.schedulerCfg.DefaultBackoff = d
		return nil
	}
}

// WithPollInterval bounds how long a run's main loop waits for a wake
// signal before re-checking readiness on its own.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) error {
		c.schedulerCfg.PollInterval = d
		return nil
	}
}

// WithCommandResolver overrides how a NodeSpec is turned into the command
// line passed to the Driver. Defaults to scheduler.DefaultCommandResolver
// (the node's own Command field, verbatim).
func WithCommandResolver(r scheduler.CommandResolver) Option {
	return func(c *config) error {
		c.resolver = r
		return nil
	}
}

// WithMetrics attaches a PrometheusMetrics instance; node latency, retry
// counts, and concurrency gauges are reported through it.
func WithMetrics(m *scheduler.PrometheusMetrics) Option {
	return func(c *config) error {
		c.metrics = m
		return nil
	}
}

// WithLogger overrides the structured logger used for store errors and
// errors while finalizing runs. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) error {
		c.logger = l
		return nil
	}
}

// WithTracer attaches an OpenTelemetry tracer (typically
// otel.Tracer("flowengine")) that every submitted run's event log is
// mirrored into as spans via fanout.SpanEmitter, one instantaneous span
// per event. Unset by default: an Engine with no tracer configured emits
// no spans at all.
func WithTracer(t trace.Tracer) Option {
	return func(c *config) error {
		c.tracer = t
		return nil
	}
}
