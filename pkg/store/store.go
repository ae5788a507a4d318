// Package store implements the Durable Store: the source of truth for task
// metadata and the complete event log, with atomic claim and state
// transitions.
package store

import (
	"errors"

	"github.com/cuemby/warren/pkg/types"
)

// ErrNotFound is returned when a task or event lookup misses.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateEvent is returned by AppendEvent when (task_id, seq) already
// exists — a signal that a second writer touched this task's log.
var ErrDuplicateEvent = errors.New("store: duplicate event")

// ErrPreconditionFailed is returned by TransitionTo when the task was not in
// a permitted predecessor state, together with the task as it stands.
// Callers inspect the returned task and react (pkg/core.Cancel tolerates it
// as a lost race; the orchestrator logs it like any failed transition).
var ErrPreconditionFailed = errors.New("store: precondition failed")

// Store is the Durable Store contract: persists tasks, the event log, and
// heartbeats; provides atomic claim and state transitions.
type Store interface {
	// CreateTask inserts a new task in pending state with cursor 0.
	CreateTask(task *types.Task) error

	// GetTask returns a task snapshot by id, or ErrNotFound.
	GetTask(id string) (*types.Task, error)

	// ClaimPending atomically transitions up to n pending tasks to running,
	// ordered oldest-created first. Safe under concurrent callers: no task
	// is ever returned to more than one caller.
	ClaimPending(n int) ([]*types.Task, error)

	// TransitionTo conditionally updates a task's state. The predecessor
	// check runs first; only if it passes is the state set, ended_at stamped
	// (for a terminal target), and fields applied to the task in place before
	// it is persisted (error_message, exit_code, etc. are set via fields).
	// Returns ErrPreconditionFailed (not an error the caller should log as
	// fatal) if the task was not in a state permitted to move to target.
	TransitionTo(taskID string, target types.TaskState, fields func(*types.Task)) (*types.Task, error)

	// AppendEvent inserts (task_id, seq) and advances the task's cursor and
	// bytes_streamed atomically with the insert. Returns ErrDuplicateEvent if
	// (task_id, seq) already exists.
	AppendEvent(event *types.TaskEvent) error

	// ReadEvents returns events in [startSeq, endSeq] inclusive, ordered by
	// seq. endSeq<0 means "through the current cursor".
	ReadEvents(taskID string, startSeq, endSeq int64) ([]*types.TaskEvent, error)

	// VerifyChain recomputes every event's hash_curr for a task and compares
	// it against the stored value.
	VerifyChain(taskID string) (bool, error)

	// CountByState returns the number of tasks currently in state.
	CountByState(state types.TaskState) (int, error)

	// SetHeartbeat records a liveness marker for taskID. Callers are
	// responsible for TTL expiry semantics at the broker layer; the store
	// keeps the most recent value for inspection/tests.
	SetHeartbeat(taskID string, hb *types.Heartbeat) error

	// GetHeartbeat returns the last recorded heartbeat for a task, or
	// ErrNotFound.
	GetHeartbeat(taskID string) (*types.Heartbeat, error)

	// RemoveHeartbeat deletes a task's heartbeat record, called on terminal
	// transition.
	RemoveHeartbeat(taskID string) error

	// Close releases underlying resources.
	Close() error
}
