// Package telemetry exposes Conveyor's OpenTelemetry instruments. The core
// only records against the global meter and tracer; unless a process wires
// an SDK exporter, every instrument here is a no-op, which keeps
// instrumentation strictly optional.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/dreamware/conveyor"

var (
	meter  = otel.Meter(instrumentationName)
	tracer = otel.Tracer(instrumentationName)

	tasksSubmitted, _  = meter.Int64Counter("conveyor.tasks.submitted", metric.WithDescription("Tasks accepted by the coordinator"))
	tasksCompleted, _  = meter.Int64Counter("conveyor.tasks.completed", metric.WithDescription("Tasks that reached SUCCESS"))
	tasksFailed, _     = meter.Int64Counter("conveyor.tasks.failed", metric.WithDescription("Tasks that reached FAILURE"))
	dispatchFailovers, _ = meter.Int64Counter("conveyor.dispatch.failovers", metric.WithDescription("Dispatch hand-offs that failed over to another target"))
	taskDuration, _    = meter.Float64Histogram("conveyor.task.duration", metric.WithDescription("Task execution wall time"), metric.WithUnit("ms"))
)

// RecordSubmitted counts an accepted submission.
func RecordSubmitted(ctx context.Context, name string, priority string) {
	tasksSubmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task.name", name),
		attribute.String("task.priority", priority),
	))
}

// RecordCompleted counts a successful execution and its duration.
func RecordCompleted(ctx context.Context, name string, d time.Duration) {
	tasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("task.name", name)))
	taskDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.String("task.name", name)))
}

// RecordFailed counts a failed execution.
func RecordFailed(ctx context.Context, name string) {
	tasksFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("task.name", name)))
}

// RecordFailover counts a dispatch hand-off failure that triggered a retry
// against another candidate.
func RecordFailover(ctx context.Context, workerID string) {
	dispatchFailovers.Add(ctx, 1, metric.WithAttributes(attribute.String("worker.id", workerID)))
}

// StartExecutionSpan opens a span around one task execution.
func StartExecutionSpan(ctx context.Context, taskID, name, priority, workerID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "conveyor.execute_task", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("task.name", name),
		attribute.String("task.priority", priority),
		attribute.String("worker.id", workerID),
	))
}
