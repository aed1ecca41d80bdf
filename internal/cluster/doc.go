// Package cluster defines the wire protocol of the Conveyor task queue and
// the HTTP request/reply helpers every component uses to speak it.
//
// Message flow:
//
//	Client ──Submit──► Coordinator ──Dispatch──► Executor
//	                        ▲                        │
//	                        └────────Report──────────┘
//	Client ◄──Result── Coordinator
//	Executor ──Register/Heartbeat──► Coordinator
//	Coordinator ──Announce (broadcast)──► everyone
//
// Transport assumptions: point-to-point calls are HTTP with explicit
// per-call context timeouts; delivery failures surface as errors to the
// caller rather than being retried here. Broadcast (the Announcement type)
// travels over UDP via the discovery package.
//
// Bodies are encoded by the format configured at construction (JSON by
// default, gob by explicit opt-in) and tagged with a matching Content-Type
// so receivers can decode symmetrically.
package cluster
