// Package coordinator implements the central component of the Conveyor task
// queue: the four priority queues, the executor registry, the bounded
// result cache, and the dispatch loop that ties them together.
//
// Architecture:
//
//	┌───────────────────────────────────────────────┐
//	│                 Coordinator                    │
//	├───────────────────────────────────────────────┤
//	│  queues:   CRITICAL ▸ HIGH ▸ NORMAL ▸ LOW     │
//	│  registry: worker_id → {addr, status, load}   │
//	│  cache:    task_id → terminal record (LRU+TTL)│
//	├───────────────────────────────────────────────┤
//	│  dispatch loop   (event kick + safety tick)   │
//	│  health tick     (stale executors → inactive) │
//	│  cache sweep     (expired results removed)    │
//	└───────────────────────────────────────────────┘
//
// Dispatch picks the head task of the first non-empty queue in strict
// priority order and hands it to the active executor with the lowest
// coordinator-tracked load (ties broken by earliest registration). With no
// active executor the coordinator executes the task itself through the same
// handler registry the executors use. A transport failure during hand-off
// marks the executor inactive, returns the task to the front of its queue,
// and retries against the next candidate; the caller never sees it except
// through the generic timeout path.
//
// Concurrency model: all shared state lives behind short-lived locks inside
// Registry, ResultCache, the queue and the live-record table; dispatch
// decisions (read loads, pick minimum, increment) are atomic under the
// registry lock, and no lock is ever held across a network call. Inbound
// request handlers, the three timer loops and the dispatch goroutine all
// funnel mutations through those locks.
//
// All state is in-memory; a coordinator restart loses queued tasks and
// cached results by design.
package coordinator
