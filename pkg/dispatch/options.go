package dispatch

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch/llm"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/observability"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/retrieval"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/sandbox"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/stream"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// DefaultMaxRunTimes bounds node executions per dispatch, nested child
// dispatches included.
const DefaultMaxRunTimes = 200

// runConfig holds configuration for one dispatch.
type runConfig struct {
	maxRunTimes    int
	fanOut         int
	nodeTimeout    time.Duration
	stream         *stream.Writer
	runID          string
	logger         *slog.Logger
	metrics        observability.MetricsRecorder
	spans          observability.SpanManager
	tracingEnabled bool
}

func defaultRunConfig() runConfig {
	return runConfig{
		maxRunTimes: DefaultMaxRunTimes,
		fanOut:      1,
		logger:      slog.Default(),
		metrics:     observability.NoopMetrics{},
		spans:       observability.NoopSpanManager{},
	}
}

// RunOption configures a dispatch.
type RunOption func(*runConfig)

// WithMaxRunTimes sets the node execution budget. Default: 200.
//
// A dispatch that reaches the budget stops with a RunError of kind
// MaxRunTimesExceeded instead of running forever around a cycle.
func WithMaxRunTimes(n int) RunOption {
	return func(c *runConfig) {
		if n > 0 {
			c.maxRunTimes = n
		}
	}
}

// WithFanOut lets up to n runnable nodes execute concurrently. Results are
// still applied in worklist order. Default: 1.
func WithFanOut(n int) RunOption {
	return func(c *runConfig) {
		if n > 0 {
			c.fanOut = n
		}
	}
}

// WithNodeTimeout bounds each node attempt whose executor does not declare
// its own timeout.
func WithNodeTimeout(d time.Duration) RunOption {
	return func(c *runConfig) {
		c.nodeTimeout = d
	}
}

// WithStream sends events to w. The root dispatch closes w when it ends.
func WithStream(w *stream.Writer) RunOption {
	return func(c *runConfig) {
		c.stream = w
	}
}

// WithRunID sets the run identifier. Default: a new UUID.
func WithRunID(id string) RunOption {
	return func(c *runConfig) {
		c.runID = id
	}
}

// WithLogger sets the logger for run and node lifecycle logs. A nil logger
// disables them.
func WithLogger(logger *slog.Logger) RunOption {
	return func(c *runConfig) {
		c.logger = logger
	}
}

// WithMetrics enables OpenTelemetry metrics on the global meter provider.
func WithMetrics(enabled bool) RunOption {
	return func(c *runConfig) {
		if enabled {
			c.metrics = observability.NewMetricsRecorder()
		} else {
			c.metrics = observability.NoopMetrics{}
		}
	}
}

// WithMetricsRecorder records metrics with m.
func WithMetricsRecorder(m observability.MetricsRecorder) RunOption {
	return func(c *runConfig) {
		if m == nil {
			m = observability.NoopMetrics{}
		}
		c.metrics = m
	}
}

// WithTracing enables OpenTelemetry spans on the global tracer provider.
func WithTracing(enabled bool) RunOption {
	return func(c *runConfig) {
		c.tracingEnabled = enabled
		if enabled {
			c.spans = observability.NewSpanManager()
		} else {
			c.spans = observability.NoopSpanManager{}
		}
	}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithModelGateway sets the model collaborator.
func WithModelGateway(g llm.Gateway) EngineOption {
	return func(e *Engine) {
		e.model = g
	}
}

// WithRetriever sets the retrieval collaborator.
func WithRetriever(r retrieval.Retriever) EngineOption {
	return func(e *Engine) {
		e.retriever = r
	}
}

// WithSandbox sets the code execution collaborator.
func WithSandbox(s sandbox.Sandbox) EngineOption {
	return func(e *Engine) {
		e.sandbox = s
	}
}

// WithBillingLedger bills each dispatch into l.
func WithBillingLedger(l usage.Ledger) EngineOption {
	return func(e *Engine) {
		e.ledger = l
	}
}

// WithPricing prices model usage.
func WithPricing(p usage.Pricing) EngineOption {
	return func(e *Engine) {
		e.pricing = p
	}
}

// WithDefaultRunOptions applies opts to every dispatch before the
// per-call options.
func WithDefaultRunOptions(opts ...RunOption) EngineOption {
	return func(e *Engine) {
		e.defaults = append(e.defaults, opts...)
	}
}
