// Package observability provides logging, metrics and tracing for workflow
// dispatch.
//
// Logging uses log/slog; metrics and tracing use OpenTelemetry and fall back
// to no-op implementations when disabled. Every Log* helper accepts a nil
// logger.
package observability

import (
	"context"
	"log/slog"
	"time"
)

// EnrichLogger adds node context to a logger.
func EnrichLogger(logger *slog.Logger, runID, nodeID, nodeType string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
		slog.String("node_type", nodeType),
		slog.Int("attempt", attempt),
	)
}

// LogRunStart logs the start of a dispatch run.
func LogRunStart(logger *slog.Logger, runID string, entries []string, resumed bool) {
	if logger == nil {
		return
	}
	logger.Info("dispatch run starting",
		slog.String("run_id", runID),
		slog.Any("entries", entries),
		slog.Bool("resumed", resumed),
	)
}

// LogRunComplete logs a run that drained its worklist.
func LogRunComplete(logger *slog.Logger, runID string, durationMs float64, runCount int, points float64) {
	if logger == nil {
		return
	}
	logger.Info("dispatch run completed",
		slog.String("run_id", runID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("nodes_executed", runCount),
		slog.Float64("points", points),
	)
}

// LogRunSuspended logs a run that stopped for user input.
func LogRunSuspended(logger *slog.Logger, runID, nodeID string, runCount int) {
	if logger == nil {
		return
	}
	logger.Info("dispatch run suspended",
		slog.String("run_id", runID),
		slog.String("node_id", nodeID),
		slog.Int("nodes_executed", runCount),
	)
}

// LogRunError logs a run stopped by a run-level error.
func LogRunError(logger *slog.Logger, runID string, err error, durationMs float64, lastNode string) {
	if logger == nil {
		return
	}
	logger.Error("dispatch run failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("last_node", lastNode),
	)
}

// LogNodeStart logs node execution start.
func LogNodeStart(logger *slog.Logger, nodeID, nodeType string) {
	if logger == nil {
		return
	}
	logger.Debug("node starting",
		slog.String("node_id", nodeID),
		slog.String("node_type", nodeType),
	)
}

// LogNodeComplete logs successful node completion.
func LogNodeComplete(logger *slog.Logger, nodeID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("node completed",
		slog.String("node_id", nodeID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogNodeError logs node execution error. caught is true when the error was
// routed to the node's error branch.
func LogNodeError(logger *slog.Logger, nodeID string, err error, caught bool) {
	if logger == nil {
		return
	}
	level := slog.LevelError
	if caught {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "node failed",
		slog.String("node_id", nodeID),
		slog.String("error", err.Error()),
		slog.Bool("caught", caught),
	)
}

// LogNodeSkipped logs a node skipped because its inputs were skipped.
func LogNodeSkipped(logger *slog.Logger, nodeID string) {
	if logger == nil {
		return
	}
	logger.Debug("node skipped",
		slog.String("node_id", nodeID),
	)
}

// LogNodeReplayed logs a node whose output came from history.
func LogNodeReplayed(logger *slog.Logger, nodeID string) {
	if logger == nil {
		return
	}
	logger.Debug("node replayed from history",
		slog.String("node_id", nodeID),
	)
}

// LogEdgesDropped logs edges removed because an endpoint is missing.
func LogEdgesDropped(logger *slog.Logger, count int) {
	if logger == nil || count == 0 {
		return
	}
	logger.Warn("dropped edges referencing missing nodes",
		slog.Int("count", count),
	)
}

// LogBillingError logs a failed ledger write (non-fatal).
func LogBillingError(logger *slog.Logger, runID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("billing record failed",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
