// Package stream implements the Streaming Server: a phase-explicit reader
// that serves a client a continuous ordered stream of a task's events,
// backfilling history, detecting compaction gaps, tailing live, and
// emitting keepalive heartbeats.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/warren/pkg/broker"
	"github.com/cuemby/warren/pkg/store"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

// Phase names the reader's current stage, replacing an implicit
// async-generator state machine with an explicit one.
type Phase string

const (
	PhaseValidate Phase = "validate"
	PhaseGapCheck Phase = "gap_check"
	PhaseBackfill Phase = "backfill"
	PhaseLive     Phase = "live"
	PhaseClosed   Phase = "closed"
)

// SkipBackfill is the sinceSeq sentinel that skips straight to live
// tailing with no historical delivery.
const SkipBackfill int64 = -1

// Config holds the Streaming Server's tunables.
type Config struct {
	// BackfillBatchSize bounds how many broker entries a single RangeRead
	// page requests.
	BackfillBatchSize int64
	// LiveBlockTimeout bounds a single broker blocking-read call; the live
	// loop re-enters immediately after, so this just sets how often it
	// gets a chance to notice ctx cancellation or a keepalive deadline.
	LiveBlockTimeout time.Duration
	// KeepaliveInterval is the max gap between heartbeats delivered to an
	// otherwise-idle live connection.
	KeepaliveInterval time.Duration
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		BackfillBatchSize: 1000,
		LiveBlockTimeout:  5 * time.Second,
		KeepaliveInterval: 25 * time.Second,
	}
}

// ErrTaskNotFound is returned when the requested task does not exist, or
// exists but is not owned by the caller's tenant (the two are
// indistinguishable to the client, to avoid leaking existence across
// tenants).
var ErrTaskNotFound = errors.New("stream: task not found")

// Item is one unit delivered to the client: either a durable/digest event
// or a heartbeat.
type Item struct {
	Event     *types.TaskEvent
	Heartbeat bool
}

// TaskStore is the slice of the Durable Store the reader needs.
type TaskStore interface {
	GetTask(id string) (*types.Task, error)
	ReadEvents(taskID string, startSeq, endSeq int64) ([]*types.TaskEvent, error)
}

// EventSource is the slice of the Stream Broker the reader needs.
type EventSource interface {
	RangeRead(taskID, sinceID string, count int64) ([]broker.Entry, error)
	BlockingRead(taskID, afterID string, block time.Duration) ([]broker.Entry, error)
	LatestID(taskID string) (string, error)
}

// Deliver is called once per Item, in order. A non-nil return aborts the
// stream (e.g. the client disconnected mid-write).
type Deliver func(Item) error

// Reader serves one client connection's view of one task's event log.
type Reader struct {
	store  TaskStore
	broker EventSource
	log    zerolog.Logger
	cfg    Config

	// now is overridable in tests.
	now func() time.Time
}

// New constructs a Reader.
func New(s TaskStore, b EventSource, logger zerolog.Logger, cfg Config) *Reader {
	return &Reader{store: s, broker: b, log: logger, cfg: cfg, now: time.Now}
}

// Run drives a client connection through Validate/GapCheck/Backfill/Live
// until the client disconnects (ctx cancellation), a terminal event for the
// task has been delivered, or an unrecoverable error occurs.
//
// sinceSeq follows the client cursor contract: SkipBackfill (-1) skips
// straight to live tailing; 0 requests the full history from the
// beginning; N>0 resumes delivery from seq N forward (a client that has
// already consumed seq N-1 passes N next).
func (r *Reader) Run(ctx context.Context, tenant, taskID string, sinceSeq int64, deliver Deliver) error {
	if _, err := r.validate(tenant, taskID); err != nil {
		return err
	}

	if sinceSeq == SkipBackfill {
		lastBrokerID, err := r.latestBrokerID(taskID)
		if err != nil {
			return fmt.Errorf("phase %s: %w", PhaseBackfill, err)
		}
		return r.live(ctx, taskID, -1, lastBrokerID, deliver)
	}

	next, err := r.gapCheck(taskID, sinceSeq, deliver)
	if err != nil {
		return fmt.Errorf("phase %s: %w", PhaseGapCheck, err)
	}

	next, lastBrokerID, terminalDelivered, err := r.backfill(taskID, next, deliver)
	if err != nil {
		return fmt.Errorf("phase %s: %w", PhaseBackfill, err)
	}
	if terminalDelivered {
		return nil
	}

	return r.live(ctx, taskID, next-1, lastBrokerID, deliver)
}

func (r *Reader) validate(tenant, taskID string) (*types.Task, error) {
	task, err := r.store.GetTask(taskID)
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

// latestBrokerID returns the ID of the broker's most recent entry, or ""
// if the stream is empty, so a SkipBackfill connection's live phase
// delivers only entries appended from this point forward.
func (r *Reader) latestBrokerID(taskID string) (string, error) {
	id, err := r.broker.LatestID(taskID)
	if errors.Is(err, broker.ErrNoEntries) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query broker tail: %w", err)
	}
	return id, nil
}

// gapCheck queries the broker's earliest retained entry. If next predates
// it, a digest event is synthesized and delivered, and the returned next
// jumps forward to the broker's earliest available seq so backfill does
// not re-walk entries the broker has already compacted away.
func (r *Reader) gapCheck(taskID string, next int64, deliver Deliver) (int64, error) {
	earliest, err := r.broker.RangeRead(taskID, "", 1)
	if errors.Is(err, broker.ErrNoEntries) {
		// Broker retains nothing; backfill falls back to the Store in
		// full, so there is no gap to report from the broker's vantage.
		return next, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query broker earliest: %w", err)
	}

	earliestSeq := earliest[0].Event.Seq
	if earliestSeq <= next {
		return next, nil
	}

	digest := &types.TaskEvent{
		TaskID: taskID,
		Seq:    earliestSeq,
		Ts:     r.now().UTC(),
		Kind:   types.EventKindDigest,
		Payload: map[string]any{
			"from_seq":                next,
			"to_seq":                  earliestSeq - 1,
			"estimated_missing_count": earliestSeq - next,
			"earliest_available_id":   earliest[0].ID,
		},
	}
	if err := deliver(Item{Event: digest}); err != nil {
		return 0, err
	}
	return earliestSeq, nil
}

// backfill delivers events with seq >= next, preferring broker range reads
// and falling back to the Store entirely when the broker has nothing at
// all for this task (e.g. it hasn't started streaming to the broker yet).
// Broker range reads walk from the start of the broker's retained window
// rather than from an application seq (the broker has no seq-keyed
// index), so entries before next are skipped client-side; this is cheap
// because the retained window is bounded by the broker's trim policy.
// Returns the next seq still wanted (one past the last delivered), the
// broker ID of the last entry seen (so Live can resume blocking reads from
// exactly that point), and whether a terminal event was delivered.
func (r *Reader) backfill(taskID string, next int64, deliver Deliver) (int64, string, bool, error) {
	afterID := ""
	sawAny := false

	for {
		entries, err := r.broker.RangeRead(taskID, afterID, r.cfg.BackfillBatchSize)
		if errors.Is(err, broker.ErrNoEntries) {
			if !sawAny {
				newNext, terminal, ferr := r.backfillFromStore(taskID, next, deliver)
				return newNext, "", terminal, ferr
			}
			return next, afterID, false, nil
		}
		if err != nil {
			return next, afterID, false, fmt.Errorf("broker range read: %w", err)
		}

		for _, entry := range entries {
			sawAny = true
			afterID = entry.ID
			if entry.Event.Seq < next {
				continue
			}
			if err := deliver(Item{Event: entry.Event}); err != nil {
				return next, afterID, false, err
			}
			next = entry.Event.Seq + 1
			if isTerminalKind(entry.Event.Kind) {
				return next, afterID, true, nil
			}
		}

		if int64(len(entries)) < r.cfg.BackfillBatchSize {
			return next, afterID, false, nil
		}
	}
}

func (r *Reader) backfillFromStore(taskID string, next int64, deliver Deliver) (int64, bool, error) {
	if next < 0 {
		next = 0
	}
	events, err := r.store.ReadEvents(taskID, next, -1)
	if err != nil {
		return next, false, fmt.Errorf("store read events: %w", err)
	}
	for _, event := range events {
		if err := deliver(Item{Event: event}); err != nil {
			return next, false, err
		}
		next = event.Seq + 1
		if isTerminalKind(event.Kind) {
			return next, true, nil
		}
	}
	return next, false, nil
}

// live tails the broker for new entries, blocking up to an inner timeout
// so an independent keepalive schedule can still fire. lastSeq is the last
// seq already delivered (-1 if none). Returns when a terminal event is
// delivered, ctx is done, or an unrecoverable error occurs.
func (r *Reader) live(ctx context.Context, taskID string, lastSeq int64, lastBrokerID string, deliver Deliver) error {
	lastHeartbeat := r.now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, err := r.broker.BlockingRead(taskID, lastBrokerID, r.cfg.LiveBlockTimeout)
		if err != nil && !errors.Is(err, broker.ErrNoEntries) {
			return fmt.Errorf("broker blocking read: %w", err)
		}

		for _, entry := range entries {
			lastBrokerID = entry.ID
			if entry.Event.Seq <= lastSeq {
				continue
			}
			if err := deliver(Item{Event: entry.Event}); err != nil {
				return err
			}
			lastSeq = entry.Event.Seq
			if isTerminalKind(entry.Event.Kind) {
				return nil
			}
		}

		if elapsed := r.now().Sub(lastHeartbeat); elapsed >= r.cfg.KeepaliveInterval {
			if err := deliver(Item{Heartbeat: true}); err != nil {
				return err
			}
			lastHeartbeat = r.now()
		}
	}
}

func isTerminalKind(kind types.EventKind) bool {
	switch kind {
	case types.EventKindSuccess, types.EventKindError, types.EventKindCanceled, types.EventKindTimeout:
		return true
	default:
		return false
	}
}
