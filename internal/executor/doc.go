// Package executor implements the Conveyor worker runtime and the handler
// registry that maps task names to runnable functions.
//
// An Executor's life:
//
//  1. Register with the coordinator's management listener. This is a
//     one-shot call that must succeed; a rejected registration (conflicting
//     duplicate worker id) aborts startup and the process never accepts a
//     dispatch.
//  2. Serve /dispatch: each dispatched task is acknowledged immediately and
//     executed in its own goroutine, so one long-running task never blocks
//     receipt of the next. The coordinator's load accounting assumes this
//     concurrent capacity.
//  3. Heartbeat on a fixed interval, independent of task execution, carrying
//     the local in-flight count.
//  4. On shutdown: stop accepting dispatches, let in-flight tasks finish,
//     send a best-effort deregister notice, close connections.
//
// Terminal results are reported back to the coordinator with ReportResult;
// the executor keeps no state of its own beyond the in-flight counter.
//
// The handler registry is an injected capability: Run resolves the task
// name through whatever Registry the process was constructed with, and an
// unknown name produces a FAILURE record rather than an executor error.
package executor
