package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority is the scheduling tier of a task. Each tier has its own FIFO
// queue on the coordinator, and each tier maps to its own submit port
// (base address + Offset).
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities lists all tiers from most to least urgent. Dispatch scans the
// queues in exactly this order.
var Priorities = [...]Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority validates a priority string received over the wire.
// Anything outside the four known tiers is rejected.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("invalid priority %q, must be one of critical/high/normal/low", s)
	}
}

// Offset returns the port offset of this priority's submit listener relative
// to the coordinator base address (0=critical, 1=high, 2=normal, 3=low).
func (p Priority) Offset() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// Index returns the dispatch-scan index of this priority, 0 being the most
// urgent. Used by the priority queue to pick its backing FIFO.
func (p Priority) Index() int {
	return p.Offset()
}

// Status is the lifecycle state of a task execution.
type Status string

const (
	StatusPending Status = "pending"
	StatusStarted Status = "started"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Terminal reports whether the status is final. Terminal records are copied
// into the coordinator's result cache and never transition again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Callback describes an optional one-shot completion notification attached
// to a task at submission. Delivery is best-effort and fire-once: the
// coordinator sends it at most one time and never retries. The caller is
// responsible for having a listener bound at Address before submitting.
type Callback struct {
	// Address is the HTTP endpoint the completion notification is POSTed to.
	Address string `json:"address"`

	// Data is an opaque payload echoed back verbatim in the notification.
	Data map[string]any `json:"data,omitempty"`
}

// Task is a named unit of work submitted by a client. Tasks are created by
// the client (including the ID) and are immutable once enqueued.
type Task struct {
	// ID is a globally unique token, generated by the submitting client.
	ID string `json:"id"`

	// Name identifies the handler to run, resolved through the executor's
	// handler registry. An unknown name yields a FAILURE record.
	Name string `json:"name"`

	// Args are the positional arguments, in order.
	Args []any `json:"args"`

	// Kwargs are the keyword arguments. Keys are unique by construction.
	Kwargs map[string]any `json:"kwargs,omitempty"`

	// Priority selects the queue the task waits in.
	Priority Priority `json:"priority"`

	// CreatedAt is set by the client when the task is built.
	CreatedAt time.Time `json:"created_at"`

	// Callback, when non-nil, requests a one-shot completion notification.
	Callback *Callback `json:"callback,omitempty"`
}

// New builds a task with a fresh UUID and creation timestamp. Args and
// kwargs are stored as given; callers must not mutate them afterwards.
func New(name string, args []any, kwargs map[string]any, priority Priority) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Name:      name,
		Args:      args,
		Kwargs:    kwargs,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
}

// Record is the execution record of a single task. It is created PENDING
// when the task is enqueued, marked STARTED at dispatch, and set to exactly
// one terminal state by whichever party ran the task.
type Record struct {
	// TaskID links the record to its task.
	TaskID string `json:"task_id"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Result holds the handler's return value. Present iff Status is SUCCESS.
	Result any `json:"result,omitempty"`

	// Error holds the failure message. Present iff Status is FAILURE.
	Error string `json:"error,omitempty"`

	// StartedAt is set when execution begins.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is set when the terminal state is recorded.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewRecord creates the initial PENDING record for a task.
func NewRecord(taskID string) *Record {
	return &Record{TaskID: taskID, Status: StatusPending}
}

// Terminal reports whether the record has reached a final state.
func (r *Record) Terminal() bool {
	return r.Status.Terminal()
}

// Clone returns a shallow copy so cached records can be handed out without
// exposing coordinator-owned state to mutation.
func (r *Record) Clone() *Record {
	cp := *r
	return &cp
}
