package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records dispatch metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordNodeExecution records a node execution with its duration and error status.
	RecordNodeExecution(ctx context.Context, nodeType string, duration time.Duration, err error)

	// RecordNodeSkipped records a node that was skipped.
	RecordNodeSkipped(ctx context.Context, nodeType string)

	// RecordRun records the end of a dispatch run in the given state.
	RecordRun(ctx context.Context, state string, duration time.Duration)

	// RecordUsagePoints records points billed for a run.
	RecordUsagePoints(ctx context.Context, points float64)
}

type otelMetrics struct {
	nodeExecutions metric.Int64Counter
	nodeLatency    metric.Float64Histogram
	nodeErrors     metric.Int64Counter
	nodeSkips      metric.Int64Counter
	runs           metric.Int64Counter
	runLatency     metric.Float64Histogram
	usagePoints    metric.Float64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter("flowdispatch"))
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	nodeExecutions, err := meter.Int64Counter("dispatch.node.executions",
		metric.WithDescription("Number of node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeLatency, err := meter.Float64Histogram("dispatch.node.latency_ms",
		metric.WithDescription("Node execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	nodeErrors, err := meter.Int64Counter("dispatch.node.errors",
		metric.WithDescription("Number of node execution errors"),
	)
	if err != nil {
		return nil, err
	}

	nodeSkips, err := meter.Int64Counter("dispatch.node.skips",
		metric.WithDescription("Number of skipped nodes"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter("dispatch.runs",
		metric.WithDescription("Number of dispatch runs"),
	)
	if err != nil {
		return nil, err
	}

	runLatency, err := meter.Float64Histogram("dispatch.run.latency_ms",
		metric.WithDescription("Dispatch run latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	usagePoints, err := meter.Float64Counter("dispatch.usage.points",
		metric.WithDescription("Usage points billed"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		nodeExecutions: nodeExecutions,
		nodeLatency:    nodeLatency,
		nodeErrors:     nodeErrors,
		nodeSkips:      nodeSkips,
		runs:           runs,
		runLatency:     runLatency,
		usagePoints:    usagePoints,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderWithMeter builds a recorder on an explicit meter.
func NewMetricsRecorderWithMeter(meter metric.Meter) (MetricsRecorder, error) {
	return newOtelMetrics(meter)
}

func (m *otelMetrics) RecordNodeExecution(ctx context.Context, nodeType string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("node_type", nodeType))

	m.nodeExecutions.Add(ctx, 1, attrs)
	m.nodeLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)

	if err != nil {
		m.nodeErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordNodeSkipped(ctx context.Context, nodeType string) {
	m.nodeSkips.Add(ctx, 1, metric.WithAttributes(attribute.String("node_type", nodeType)))
}

func (m *otelMetrics) RecordRun(ctx context.Context, state string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("state", state))
	m.runs.Add(ctx, 1, attrs)
	m.runLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

func (m *otelMetrics) RecordUsagePoints(ctx context.Context, points float64) {
	if points <= 0 {
		return
	}
	m.usagePoints.Add(ctx, points)
}
