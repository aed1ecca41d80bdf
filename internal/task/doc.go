// Package task defines the shared task model for the Conveyor distributed
// task queue: priorities, lifecycle statuses, the Task submitted by clients,
// the Record describing an execution outcome, and the wire serialization
// formats exchanged between clients, the coordinator and executors.
//
// Lifecycle:
//
//	PENDING ──► STARTED ──► SUCCESS
//	                   └──► FAILURE
//
// A task is created by the client at submission time and is immutable once
// enqueued: its arguments are never mutated by any component. The execution
// record travels separately and transitions monotonically through the state
// machine above; SUCCESS and FAILURE are terminal, there is no transition
// back and no cancellation state.
//
// Priorities form a strict order: CRITICAL > HIGH > NORMAL > LOW. The
// coordinator never serves a lower-priority task while a higher-priority
// queue is non-empty, and preserves FIFO order within one level.
//
// Serialization supports two formats:
//   - JSON (default): safe for untrusted peers.
//   - gob: preserves native Go values but decodes arbitrary type payloads,
//     so it must be explicitly opted into and only used on trusted networks.
package task
