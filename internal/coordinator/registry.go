package coordinator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/conveyor/internal/cluster"
)

// Executor status values. Executors are never deleted from the registry,
// only toggled between these two, so a returning executor with the same id
// resumes cleanly.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// ErrRegistrationConflict is returned when a registration collides with an
// active executor of the same id at a different address. The rejected
// process must not proceed to accept dispatches.
var ErrRegistrationConflict = errors.New("worker id already registered at a different address")

// ErrUnknownWorker is returned for heartbeats from ids that never
// registered.
var ErrUnknownWorker = errors.New("unknown worker")

// ExecutorInfo is one executor's registry entry.
//
// Load is the coordinator's own dispatch accounting — tasks handed to this
// executor with no result reported yet — and is what dispatch decisions are
// based on. ReportedLoad is whatever the executor last claimed in a
// heartbeat; it is kept as a liveness/diagnostic signal only.
type ExecutorInfo struct {
	WorkerID     string
	Address      string
	Status       string
	Load         int
	ReportedLoad int
	LastSeen     time.Time
	RegisteredAt time.Time
}

// Registry tracks every executor that ever registered with this
// coordinator. All methods are safe for concurrent use; the selection in
// Acquire is atomic with respect to concurrent heartbeats and load
// releases, so the least-loaded pick can never go stale mid-decision.
type Registry struct {
	mu        sync.Mutex
	executors map[string]*ExecutorInfo
}

// NewRegistry returns an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]*ExecutorInfo)}
}

// Register adds or reactivates an executor.
//
// Rules:
//   - New id: registered active with zero load.
//   - Same id, same address: refreshed (LastSeen updated, reactivated).
//   - Same id currently inactive: reactivated, address updated.
//   - Same id currently active at a different address:
//     ErrRegistrationConflict.
func (r *Registry) Register(workerID, address string) error {
	if workerID == "" || address == "" {
		return errors.New("worker id and address are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	info, ok := r.executors[workerID]
	if !ok {
		r.executors[workerID] = &ExecutorInfo{
			WorkerID:     workerID,
			Address:      address,
			Status:       StatusActive,
			LastSeen:     now,
			RegisteredAt: now,
		}
		return nil
	}

	if info.Status == StatusActive && info.Address != address {
		return fmt.Errorf("%w: %s is active at %s", ErrRegistrationConflict, workerID, info.Address)
	}

	// Re-registration of an inactive (or same-address active) executor.
	info.Address = address
	info.Status = StatusActive
	info.LastSeen = now
	return nil
}

// Heartbeat refreshes an executor's liveness and records its self-reported
// load. A heartbeat from an inactive executor reactivates it for the next
// dispatch decision.
func (r *Registry) Heartbeat(workerID string, reportedLoad int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.executors[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	info.LastSeen = time.Now()
	info.ReportedLoad = reportedLoad
	info.Status = StatusActive
	return nil
}

// Acquire picks the dispatch target: the active executor with minimum Load,
// ties broken by earliest registration, and increments its Load in the same
// critical section. Returns false when no executor is active.
func (r *Registry) Acquire() (workerID, address string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]*ExecutorInfo, 0, len(r.executors))
	for _, info := range r.executors {
		if info.Status == StatusActive {
			candidates = append(candidates, info)
		}
	}
	if len(candidates) == 0 {
		return "", "", false
	}

	slices.SortFunc(candidates, func(a, b *ExecutorInfo) int {
		if a.Load != b.Load {
			return a.Load - b.Load
		}
		return a.RegisteredAt.Compare(b.RegisteredAt)
	})

	chosen := candidates[0]
	chosen.Load++
	return chosen.WorkerID, chosen.Address, true
}

// Release decrements an executor's load after a report (or after a failed
// hand-off returned the task to the queue). Never goes below zero.
func (r *Registry) Release(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.executors[workerID]; ok && info.Load > 0 {
		info.Load--
	}
}

// MarkInactive flips an executor to inactive, excluding it from dispatch
// until it registers or heartbeats again.
func (r *Registry) MarkInactive(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.executors[workerID]; ok {
		info.Status = StatusInactive
	}
}

// MarkStale transitions every active executor whose last_seen age exceeds
// timeout to inactive and returns the flipped ids. Tasks already dispatched
// to a stale executor are not retried here; only a later send failure or a
// missing report surfaces those.
func (r *Registry) MarkStale(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var flipped []string
	for id, info := range r.executors {
		if info.Status == StatusActive && now.Sub(info.LastSeen) > timeout {
			info.Status = StatusInactive
			flipped = append(flipped, id)
		}
	}
	return flipped
}

// Get returns a copy of one executor's entry.
func (r *Registry) Get(workerID string) (ExecutorInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.executors[workerID]
	if !ok {
		return ExecutorInfo{}, false
	}
	return *info, true
}

// ActiveCount returns the number of executors currently eligible for
// dispatch.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, info := range r.executors {
		if info.Status == StatusActive {
			n++
		}
	}
	return n
}

// Snapshot returns the executor table for the status endpoint, ordered by
// registration time.
func (r *Registry) Snapshot() []cluster.ExecutorStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]cluster.ExecutorStatus, 0, len(r.executors))
	for _, info := range r.executors {
		out = append(out, cluster.ExecutorStatus{
			WorkerID:     info.WorkerID,
			Address:      info.Address,
			Status:       info.Status,
			Load:         info.Load,
			ReportedLoad: info.ReportedLoad,
			LastSeen:     info.LastSeen,
			RegisteredAt: info.RegisteredAt,
		})
	}
	slices.SortFunc(out, func(a, b cluster.ExecutorStatus) int {
		return a.RegisteredAt.Compare(b.RegisteredAt)
	})
	return out
}
