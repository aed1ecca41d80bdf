package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/dreamware/conveyor/internal/task"
	"github.com/dreamware/conveyor/internal/telemetry"
)

// Run executes a single task through the registry and produces its terminal
// record. It is shared by the executor's dispatch path and the
// coordinator's local-execution path.
//
// A handler error, an unknown task name, and a handler panic all become
// FAILURE records with the message preserved; Run itself never fails.
func Run(ctx context.Context, reg Registry, workerID string, t *task.Task) *task.Record {
	started := time.Now().UTC()
	rec := &task.Record{
		TaskID:    t.ID,
		Status:    task.StatusStarted,
		StartedAt: &started,
	}

	ctx, span := telemetry.StartExecutionSpan(ctx, t.ID, t.Name, string(t.Priority), workerID)
	defer span.End()

	result, err := runHandler(ctx, reg, t)
	completed := time.Now().UTC()
	rec.CompletedAt = &completed

	if err != nil {
		rec.Status = task.StatusFailure
		rec.Error = err.Error()
		telemetry.RecordFailed(ctx, t.Name)
		return rec
	}

	rec.Status = task.StatusSuccess
	rec.Result = result
	telemetry.RecordCompleted(ctx, t.Name, completed.Sub(started))
	return rec
}

func runHandler(ctx context.Context, reg Registry, t *task.Task) (result any, err error) {
	fn, err := reg.Resolve(t.Name)
	if err != nil {
		return nil, err
	}

	// Task code is arbitrary; a panic must terminate the task, not the
	// executor.
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return fn(ctx, t.Args, t.Kwargs)
}
