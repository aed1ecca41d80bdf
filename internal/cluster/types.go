package cluster

import (
	"time"

	"github.com/dreamware/conveyor/internal/task"
)

// SubmitRequest carries a client-built task to one of the coordinator's
// per-priority submit listeners. The task's priority must match the
// listener's tier or the submit is rejected.
type SubmitRequest struct {
	Task *task.Task `json:"task"`
}

// SubmitResponse acknowledges an enqueue. Execution is not awaited: the
// task id comes back as soon as the task is queued.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// RegisterRequest is an executor's one-shot registration with the
// coordinator's management listener.
type RegisterRequest struct {
	WorkerID string `json:"worker_id"`
	Address  string `json:"address"`
}

// RegisterResponse acknowledges a registration.
type RegisterResponse struct {
	Status   string `json:"status"`
	WorkerID string `json:"worker_id"`
}

// HeartbeatRequest is an executor's periodic liveness report. Load is the
// executor's local in-flight count; the coordinator records it as a
// diagnostic but keeps its own dispatch accounting authoritative.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
	Load     int    `json:"load"`
}

// DeregisterRequest is the best-effort shutdown notice an executor sends
// before closing its listener.
type DeregisterRequest struct {
	WorkerID string `json:"worker_id"`
}

// DispatchRequest hands a task from the coordinator to an executor.
type DispatchRequest struct {
	Task *task.Task `json:"task"`
}

// ReportRequest delivers a terminal execution record back to the
// coordinator. WorkerID identifies the executing party so its load can be
// decremented; it is empty for the coordinator's own local-execution path.
type ReportRequest struct {
	WorkerID string       `json:"worker_id,omitempty"`
	Record   *task.Record `json:"record"`
}

// ResultResponse answers a result query against the coordinator's cache.
type ResultResponse struct {
	Found  bool         `json:"found"`
	Record *task.Record `json:"record,omitempty"`
}

// CallbackNotification is the one-shot, best-effort completion push sent to
// a task's registered callback address. It is never queued or retried.
type CallbackNotification struct {
	TaskID       string         `json:"task_id"`
	Status       task.Status    `json:"status"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	CallbackData map[string]any `json:"callback_data,omitempty"`
}

// Announcement is the coordinator's periodic presence broadcast on the
// discovery channel.
type Announcement struct {
	CoordinatorID string `json:"coordinator_id"`
	Address       string `json:"address"`
}

// ErrorResponse is the body returned with non-2xx statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusSnapshot is the read-only coordinator state served on /status for
// monitoring front ends.
type StatusSnapshot struct {
	CoordinatorID string                `json:"coordinator_id"`
	Executors     []ExecutorStatus      `json:"executors"`
	QueueDepths   map[task.Priority]int `json:"queue_depths"`
	ActiveTasks   int                   `json:"active_tasks"`

	// LocalLoad counts tasks the coordinator is running itself, on the
	// local-execution fallback path.
	LocalLoad int `json:"local_load"`

	CacheSize     int `json:"cache_size"`
	CacheCapacity int `json:"cache_capacity"`
}

// ExecutorStatus is one row of the executor table in a status snapshot.
type ExecutorStatus struct {
	WorkerID     string    `json:"worker_id"`
	Address      string    `json:"address"`
	Status       string    `json:"status"`
	Load         int       `json:"load"`
	ReportedLoad int       `json:"reported_load"`
	LastSeen     time.Time `json:"last_seen"`
	RegisteredAt time.Time `json:"registered_at"`
}
