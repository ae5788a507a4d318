/*
Package types defines the core data structures shared across the task
runner: task records, the hash-chained event log, heartbeats, and the
out-of-band control protocol.

# Core Types

Task:
  - Task: a submitted unit of work, owned by a tenant and routed to an
    adapter by AdapterName
  - TaskState: pending, running, succeeded, failed, canceled, timeout
  - IsTerminal: reports whether a state has no further transitions

Event Log:
  - TaskEvent: one immutable, hash-chained entry in a task's append-only log
  - EventKind: started, progress, stdout, stderr, success, error, canceled,
    timeout, digest

Heartbeat and Control:
  - Heartbeat: the liveness marker an owning worker renews for a running task
  - ControlMessage: an out-of-band signal delivered to the owning worker
    (presently just cancel)

# State Machine

Tasks follow a linear lifecycle with one branch point:

	pending → running → succeeded
	                   → failed
	                   → canceled
	                   → timeout

Pending tasks may also transition directly to canceled without ever
running. All four right-hand states are terminal: IsTerminal reports
true and no further transition is permitted.

# Design Patterns

Enumeration Pattern:

	Enums use typed string constants for JSON-readability and safety:
	  type TaskState string
	  const (
	      TaskStatePending TaskState = "pending"
	      TaskStateRunning TaskState = "running"
	  )

Timeout Clamping:

	ClampTimeoutSeconds(seconds, def int) normalizes a caller-supplied
	timeout to [MinTimeoutSeconds, MaxTimeoutSeconds], substituting the
	caller-chosen def for non-positive input, so every stored Task carries
	a valid, bounded timeout regardless of what Submit receives.

Optional Fields:

	Pointers mark fields absent until a transition sets them:
	  - *StartedAt, *EndedAt: nil until the task starts/ends
	  - *ExitCode: nil unless the task succeeded, in which case the
	    orchestrator records 0

# Integration Points

  - pkg/store: persists Task and TaskEvent, enforces legal state
    transitions, and recomputes the event hash chain for VerifyChain
  - pkg/broker: carries TaskEvent/Heartbeat/ControlMessage over Redis
  - pkg/emitter: assigns TaskEvent.Seq and computes its hash chain
  - pkg/orchestrator: drives Task through the state machine and renews
    Heartbeat for the task it owns
  - pkg/stream: replays TaskEvent history and tails new arrivals for a client
  - pkg/core: the submit/status/cancel/stream facade over all of the above

# Thread Safety

Task.Clone returns a deep-enough copy safe to hand to a caller without
aliasing its pointer fields; Args is shared by reference since callers
treat it as opaque and never mutate it in place. Mutation of a live Task
is otherwise the Durable Store's responsibility, via TransitionTo.
*/
package types
