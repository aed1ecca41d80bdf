package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/conveyor/internal/task"
)

func TestRunSuccess(t *testing.T) {
	reg := NewMapRegistry()
	reg.Register("mul", func(_ context.Context, args []any, _ map[string]any) (any, error) {
		return args[0].(int) * args[1].(int), nil
	})

	tk := task.New("mul", []any{6, 7}, nil, task.PriorityNormal)
	rec := Run(context.Background(), reg, "w1", tk)

	assert.Equal(t, tk.ID, rec.TaskID)
	assert.Equal(t, task.StatusSuccess, rec.Status)
	assert.Equal(t, 42, rec.Result)
	assert.Empty(t, rec.Error)
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.CompletedAt)
	assert.False(t, rec.CompletedAt.Before(*rec.StartedAt))
}

func TestRunHandlerError(t *testing.T) {
	reg := NewMapRegistry()
	reg.Register("flaky", func(context.Context, []any, map[string]any) (any, error) {
		return nil, errors.New("database unreachable")
	})

	rec := Run(context.Background(), reg, "w1", task.New("flaky", nil, nil, task.PriorityNormal))

	assert.Equal(t, task.StatusFailure, rec.Status)
	assert.Equal(t, "database unreachable", rec.Error)
	assert.Nil(t, rec.Result)
	require.NotNil(t, rec.CompletedAt)
}

func TestRunUnknownTask(t *testing.T) {
	rec := Run(context.Background(), NewMapRegistry(), "w1", task.New("missing", nil, nil, task.PriorityNormal))

	assert.Equal(t, task.StatusFailure, rec.Status)
	assert.Contains(t, rec.Error, "missing")
}

func TestRunRecoversPanic(t *testing.T) {
	reg := NewMapRegistry()
	reg.Register("boom", func(context.Context, []any, map[string]any) (any, error) {
		panic("index out of range")
	})

	rec := Run(context.Background(), reg, "w1", task.New("boom", nil, nil, task.PriorityCritical))

	assert.Equal(t, task.StatusFailure, rec.Status)
	assert.Contains(t, rec.Error, "task panicked")
	assert.Contains(t, rec.Error, "index out of range")
}

func TestRunPassesKwargs(t *testing.T) {
	reg := NewMapRegistry()
	reg.Register("greet", func(_ context.Context, _ []any, kwargs map[string]any) (any, error) {
		return "hello " + kwargs["name"].(string), nil
	})

	tk := task.New("greet", nil, map[string]any{"name": "conveyor"}, task.PriorityLow)
	rec := Run(context.Background(), reg, "w1", tk)

	assert.Equal(t, task.StatusSuccess, rec.Status)
	assert.Equal(t, "hello conveyor", rec.Result)
}
