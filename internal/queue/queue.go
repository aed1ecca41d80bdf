// Package queue implements the coordinator's pending-task storage: one FIFO
// sequence per priority tier, consumed strictly in tier order.
//
// The invariant the rest of the system leans on: Pop never returns a task
// from a lower tier while any higher tier is non-empty, and within a tier
// tasks come out in the order they went in. PushFront exists solely for the
// dispatch failover path, which must return a popped-but-undelivered task to
// the head of its tier so it keeps its position relative to tasks that have
// not been tried yet.
package queue

import (
	"sync"

	"github.com/dreamware/conveyor/internal/task"
)

// PriorityQueue holds pending tasks in four FIFO levels. All methods are
// safe for concurrent use; each operation holds the lock only for the
// duration of one slice manipulation.
type PriorityQueue struct {
	mu     sync.Mutex
	levels [len(task.Priorities)][]*task.Task
}

// New returns an empty priority queue.
func New() *PriorityQueue {
	return &PriorityQueue{}
}

// Push appends the task to the tail of its priority's FIFO.
func (q *PriorityQueue) Push(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := t.Priority.Index()
	q.levels[i] = append(q.levels[i], t)
}

// PushFront returns the task to the head of its priority's FIFO. Used when a
// dispatch hand-off fails at the transport level: the task must be retried
// before any same-priority task that has not been attempted yet.
func (q *PriorityQueue) PushFront(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := t.Priority.Index()
	q.levels[i] = append([]*task.Task{t}, q.levels[i]...)
}

// Pop removes and returns the head task of the first non-empty level,
// scanning CRITICAL -> HIGH -> NORMAL -> LOW. Returns false when every
// level is empty.
func (q *PriorityQueue) Pop() (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.levels {
		if len(q.levels[i]) == 0 {
			continue
		}
		t := q.levels[i][0]
		q.levels[i][0] = nil // release the head slot
		q.levels[i] = q.levels[i][1:]
		return t, true
	}
	return nil, false
}

// Len returns the total number of pending tasks across all levels.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for i := range q.levels {
		n += len(q.levels[i])
	}
	return n
}

// Depths returns the per-priority queue depths keyed by tier name, for the
// status snapshot.
func (q *PriorityQueue) Depths() map[task.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	depths := make(map[task.Priority]int, len(task.Priorities))
	for i, p := range task.Priorities {
		depths[p] = len(q.levels[i])
	}
	return depths
}
