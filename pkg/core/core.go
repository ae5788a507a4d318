// Package core implements the external-facing facade: submit, status,
// cancel, and stream, wiring the Durable Store, Stream Broker, and
// Streaming Server together behind a single tenant-scoped API. It is the
// seam an outer HTTP/auth shell (out of scope here) calls through.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/warren/pkg/stream"
	"github.com/cuemby/warren/pkg/store"
	"github.com/cuemby/warren/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrTaskNotFound is returned when a task does not exist, or exists but is
// owned by a different tenant — the two are indistinguishable to callers,
// to avoid leaking cross-tenant existence.
var ErrTaskNotFound = errors.New("core: task not found")

// Store is the slice of the Durable Store the facade needs.
type Store interface {
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	TransitionTo(taskID string, target types.TaskState, fields func(*types.Task)) (*types.Task, error)
}

// ControlPublisher is the slice of the Stream Broker the facade needs to
// deliver a cancel control message to a running task's owning worker.
type ControlPublisher interface {
	ControlPublish(taskID string, msg *types.ControlMessage) error
}

// Config holds the Core facade's tunables.
type Config struct {
	// DefaultTimeoutSeconds is used for a Submit call that omits a timeout.
	DefaultTimeoutSeconds int
}

// DefaultConfig returns the built-in default.
func DefaultConfig() Config {
	return Config{DefaultTimeoutSeconds: types.DefaultTimeoutSeconds}
}

// Core wires the submit/status/cancel/stream operations together.
type Core struct {
	store  Store
	brk    ControlPublisher
	reader *stream.Reader
	log    zerolog.Logger
	cfg    Config
}

// New constructs a Core.
func New(s Store, b ControlPublisher, reader *stream.Reader, logger zerolog.Logger, cfg Config) *Core {
	return &Core{store: s, brk: b, reader: reader, log: logger, cfg: cfg}
}

// Submit creates a new task in pending state and returns its id. timeout
// is clamped to the configured minimum/maximum, with 0 meaning "use the
// default".
func (c *Core) Submit(tenant, adapterName string, args map[string]any, timeoutSeconds int) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	task := &types.Task{
		ID:             uuid.New().String(),
		Tenant:         tenant,
		AdapterName:    adapterName,
		Args:           args,
		State:          types.TaskStatePending,
		CreatedAt:      time.Now().UTC(),
		TimeoutSeconds: types.ClampTimeoutSeconds(timeoutSeconds, c.cfg.DefaultTimeoutSeconds),
	}
	if err := c.store.CreateTask(task); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	c.log.With().Str("tenant", tenant).Str("task_id", task.ID).Logger().
		Info().Str("adapter", adapterName).Msg("task submitted")
	return task.ID, nil
}

// Status returns a task snapshot: state, timestamps, cursor, and any
// terminal error/exit-code detail.
func (c *Core) Status(tenant, taskID string) (*types.Task, error) {
	task, err := c.get(tenant, taskID)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// defaultCancelReason is recorded when a caller cancels without stating why.
const defaultCancelReason = "client-requested"

// Cancel requests cancellation of a task, carrying reason through to the
// task's canceled event (empty defaults to "client-requested"). A pending
// task transitions to canceled immediately (no worker owns it yet); a
// running task receives a cancel control message for its owning worker to
// act on. Cancel is idempotent: calling it again on an already-terminal task
// is a no-op.
func (c *Core) Cancel(tenant, taskID, reason string) error {
	task, err := c.get(tenant, taskID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = defaultCancelReason
	}
	clog := c.log.With().Str("tenant", tenant).Str("task_id", taskID).Logger()

	switch task.State {
	case types.TaskStatePending:
		// No adapter ever ran, so there is no event log to carry reason
		// into; the task simply never starts.
		_, err := c.store.TransitionTo(taskID, types.TaskStateCanceled, nil)
		if err != nil && !errors.Is(err, store.ErrPreconditionFailed) {
			clog.Error().Err(err).Msg("failed to cancel pending task")
			return fmt.Errorf("transition to canceled: %w", err)
		}
		clog.Info().Str("reason", reason).Msg("pending task canceled")
		return nil

	case types.TaskStateRunning:
		msg := &types.ControlMessage{Command: types.CommandCancel, Reason: reason}
		if err := c.brk.ControlPublish(taskID, msg); err != nil {
			clog.Error().Err(err).Msg("failed to publish cancel control message")
			return fmt.Errorf("publish cancel: %w", err)
		}
		clog.Info().Str("reason", reason).Msg("cancel requested for running task")
		return nil

	default:
		// Already terminal: idempotent no-op.
		return nil
	}
}

// Stream serves taskID's event log to deliver starting at sinceSeq, per
// the Streaming Server's Validate/GapCheck/Backfill/Live protocol. It
// blocks until the client disconnects (ctx cancellation), a terminal
// event is delivered, or an unrecoverable error occurs.
func (c *Core) Stream(ctx context.Context, tenant, taskID string, sinceSeq int64, deliver stream.Deliver) error {
	err := c.reader.Run(ctx, tenant, taskID, sinceSeq, deliver)
	if errors.Is(err, stream.ErrTaskNotFound) {
		return ErrTaskNotFound
	}
	return err
}

func (c *Core) get(tenant, taskID string) (*types.Task, error) {
	task, err := c.store.GetTask(taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if task.Tenant != tenant {
		return nil, ErrTaskNotFound
	}
	return task, nil
}
