// Package emitter implements the Event Emitter: given an adapter-produced
// event, it assigns the next sequence number, computes the hash chain, and
// durably records the result in both the Durable Store and the Stream
// Broker.
package emitter

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/hashchain"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

const (
	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

// EventStore is the slice of the Durable Store the emitter needs.
// Satisfied by *store.BoltStore.
type EventStore interface {
	AppendEvent(event *types.TaskEvent) error
}

// EventBroker is the slice of the Stream Broker the emitter needs.
// Satisfied by *broker.Broker.
type EventBroker interface {
	Append(taskID string, event *types.TaskEvent) (string, error)
}

// Emitter assigns sequence numbers and hash-chains events for a single
// task, then writes them to the Durable Store and Stream Broker. One
// Emitter is created per in-flight task execution unit — per-task state is
// not shared process-wide.
type Emitter struct {
	mu sync.Mutex

	taskID   string
	nextSeq  int64
	prevHash []byte

	store  EventStore
	broker EventBroker
	log    zerolog.Logger

	// sleep is overridable in tests to avoid real delays during retry.
	sleep func(time.Duration)
}

// New constructs an Emitter for taskID, resuming from the task's current
// cursor and whatever hash_curr its last persisted event carries (both 0/nil
// for a task that has never emitted).
func New(taskID string, startSeq int64, prevHash []byte, s EventStore, b EventBroker, logger zerolog.Logger) *Emitter {
	return &Emitter{
		taskID:   taskID,
		nextSeq:  startSeq,
		prevHash: prevHash,
		store:    s,
		broker:   b,
		log:      logger,
		sleep:    time.Sleep,
	}
}

// Emit assigns seq and hash_curr to (kind, payload), persists it to the
// Durable Store, then appends it to the Stream Broker with bounded retry.
// Returns the fully populated TaskEvent regardless of whether the broker
// append ultimately succeeded — a broker failure after retries is logged,
// not returned as an error; the event is already durable in the Store.
func (e *Emitter) Emit(kind types.EventKind, payload map[string]any) (*types.TaskEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seq := e.nextSeq
	ts := time.Now().UTC()
	hashPrev := e.prevHash

	hashCurr, err := hashchain.Compute(hashPrev, seq, kind, payload, ts)
	if err != nil {
		return nil, fmt.Errorf("compute hash: %w", err)
	}

	event := &types.TaskEvent{
		TaskID:   e.taskID,
		Seq:      seq,
		Ts:       ts,
		Kind:     kind,
		Payload:  payload,
		HashPrev: hashPrev,
		HashCurr: hashCurr,
	}

	if err := e.store.AppendEvent(event); err != nil {
		return nil, fmt.Errorf("append to store: %w", err)
	}

	e.appendToBrokerWithRetry(event)

	e.nextSeq = seq + 1
	e.prevHash = hashCurr
	return event, nil
}

func (e *Emitter) appendToBrokerWithRetry(event *types.TaskEvent) {
	delay := baseRetryDelay
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if _, err := e.broker.Append(e.taskID, event); err != nil {
			lastErr = err
			if attempt < maxRetries {
				e.sleep(delay)
				delay *= 2
				if delay > maxRetryDelay {
					delay = maxRetryDelay
				}
			}
			continue
		}
		return
	}

	e.log.Error().
		Str("task_id", e.taskID).
		Int64("seq", event.Seq).
		Err(lastErr).
		Msg("broker append exhausted retries; event durable in store only")
}

// EmitBatch emits events in order, stopping at the first error.
func (e *Emitter) EmitBatch(items []struct {
	Kind    types.EventKind
	Payload map[string]any
}) ([]*types.TaskEvent, error) {
	events := make([]*types.TaskEvent, 0, len(items))
	for _, item := range items {
		event, err := e.Emit(item.Kind, item.Payload)
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
	return events, nil
}

// NextSeq reports the sequence number the next Emit call will assign.
func (e *Emitter) NextSeq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextSeq
}
