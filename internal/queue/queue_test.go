package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/conveyor/internal/task"
)

func mk(name string, p task.Priority) *task.Task {
	return task.New(name, nil, nil, p)
}

// TestPopEmpty verifies the empty-queue contract.
func TestPopEmpty(t *testing.T) {
	q := New()
	got, ok := q.Pop()
	assert.Nil(t, got)
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

// TestStrictPriorityOrder verifies that no lower-priority task is ever
// served while a higher-priority one is pending, for an interleaved
// submission order.
func TestStrictPriorityOrder(t *testing.T) {
	q := New()

	// Deliberately interleaved across tiers.
	q.Push(mk("low-1", task.PriorityLow))
	q.Push(mk("normal-1", task.PriorityNormal))
	q.Push(mk("critical-1", task.PriorityCritical))
	q.Push(mk("high-1", task.PriorityHigh))
	q.Push(mk("critical-2", task.PriorityCritical))
	q.Push(mk("low-2", task.PriorityLow))

	var names []string
	for {
		tk, ok := q.Pop()
		if !ok {
			break
		}
		names = append(names, tk.Name)
	}

	assert.Equal(t, []string{"critical-1", "critical-2", "high-1", "normal-1", "low-1", "low-2"}, names)
}

// TestFIFOWithinLevel verifies submission order is preserved within one tier.
func TestFIFOWithinLevel(t *testing.T) {
	q := New()
	for i := 0; i < 10; i++ {
		q.Push(mk(fmt.Sprintf("n-%d", i), task.PriorityNormal))
	}
	for i := 0; i < 10; i++ {
		tk, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("n-%d", i), tk.Name)
	}
}

// TestPushFront verifies the failover requeue keeps the task ahead of
// not-yet-tried tasks of the same tier but behind nothing.
func TestPushFront(t *testing.T) {
	q := New()
	q.Push(mk("a", task.PriorityNormal))
	q.Push(mk("b", task.PriorityNormal))

	head, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "a", head.Name)

	// Simulate a failed hand-off: "a" goes back to the front.
	q.PushFront(head)

	names := []string{}
	for {
		tk, ok := q.Pop()
		if !ok {
			break
		}
		names = append(names, tk.Name)
	}
	assert.Equal(t, []string{"a", "b"}, names)
}

// TestPushFrontDoesNotOutrankHigherTier verifies a requeued NORMAL task still
// yields to a pending CRITICAL task.
func TestPushFrontDoesNotOutrankHigherTier(t *testing.T) {
	q := New()
	q.PushFront(mk("requeued", task.PriorityNormal))
	q.Push(mk("urgent", task.PriorityCritical))

	tk, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "urgent", tk.Name)
}

// TestDepths verifies the per-tier snapshot used by /status.
func TestDepths(t *testing.T) {
	q := New()
	q.Push(mk("a", task.PriorityCritical))
	q.Push(mk("b", task.PriorityLow))
	q.Push(mk("c", task.PriorityLow))

	d := q.Depths()
	assert.Equal(t, 1, d[task.PriorityCritical])
	assert.Equal(t, 0, d[task.PriorityHigh])
	assert.Equal(t, 0, d[task.PriorityNormal])
	assert.Equal(t, 2, d[task.PriorityLow])
	assert.Equal(t, 3, q.Len())
}

// TestConcurrentPushPop exercises the queue from many goroutines to catch
// races under the detector; every pushed task must come out exactly once.
func TestConcurrentPushPop(t *testing.T) {
	q := New()
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Push(mk(fmt.Sprintf("t-%d", i), task.Priorities[i%len(task.Priorities)]))
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for {
		tk, ok := q.Pop()
		if !ok {
			break
		}
		assert.False(t, seen[tk.Name], "task %s popped twice", tk.Name)
		seen[tk.Name] = true
	}
	assert.Len(t, seen, n)
}
