package queue

import (
	"context"
	"errors"

	"shardq/internal/metrics"
)

// Label values shared with dashboards. Changing them breaks queries.
const (
	expiredStageQueued = "queued"

	rejectReasonFull         = "full"
	rejectReasonShuttingDown = "shutting_down"
	rejectReasonCanceled     = "canceled"
)

// queueMetricsFrom resolves the metrics family a router records into.
// A nil registry falls back to the global one; both may be absent, in which
// case the returned nil is still safe to record on.
func queueMetricsFrom(registry *metrics.Registry) *metrics.QueueMetrics {
	if registry == nil {
		registry = metrics.Get()
	}
	if registry == nil {
		return nil
	}
	return registry.Queue
}

// rejectReason maps a publish error to its metric label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrShardFull):
		return rejectReasonFull
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return rejectReasonCanceled
	default:
		return rejectReasonShuttingDown
	}
}
