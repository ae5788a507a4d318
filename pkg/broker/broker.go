// Package broker implements the Stream Broker: a low-latency, ordered,
// per-task log backed by Redis Streams, supporting range reads, blocking
// tail reads, trimming, control pub/sub, and ephemeral heartbeat storage.
package broker

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/warren/pkg/types"
	redis "github.com/go-redis/redis/v7"
)

// ErrNoEntries is returned by RangeRead/BlockingRead when nothing new is
// available (including on a BlockingRead timeout — callers treat this as
// the normal empty-result case, not a failure).
var ErrNoEntries = errors.New("broker: no entries")

func eventStreamKey(taskID string) string {
	return "events:" + taskID
}

func controlChannel(taskID string) string {
	return "ctrl:" + taskID
}

func heartbeatKey(taskID string) string {
	return "hb:" + taskID
}

// Entry is one broker-resident copy of a TaskEvent, carrying the broker's
// own monotonically increasing ID distinct from TaskEvent.Seq.
type Entry struct {
	ID    string
	Event *types.TaskEvent
}

// Broker wraps a Redis client with the operations the Stream Broker
// component needs.
type Broker struct {
	client *redis.Client
}

// Config holds Redis connection parameters.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New dials a Redis client per Config.
func New(cfg Config) *Broker {
	return &Broker{client: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// Ping confirms the Redis connection is alive.
func (b *Broker) Ping() error {
	return b.client.Ping().Err()
}

// Close releases the underlying Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

func serializeEvent(event *types.TaskEvent) (map[string]any, error) {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return map[string]any{
		"task_id":   event.TaskID,
		"seq":       event.Seq,
		"ts":        event.Ts.Format(time.RFC3339Nano),
		"kind":      string(event.Kind),
		"payload":   string(payloadJSON),
		"hash_prev": hex.EncodeToString(event.HashPrev),
		"hash_curr": hex.EncodeToString(event.HashCurr),
	}, nil
}

func deserializeEvent(values map[string]any) (*types.TaskEvent, error) {
	taskID, _ := values["task_id"].(string)
	kind, _ := values["kind"].(string)

	seq, err := toInt64(values["seq"])
	if err != nil {
		return nil, fmt.Errorf("parse seq: %w", err)
	}

	tsStr, _ := values["ts"].(string)
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parse ts: %w", err)
		}
	}

	payloadStr, _ := values["payload"].(string)
	var payload map[string]any
	if payloadStr != "" {
		if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}

	hashPrevHex, _ := values["hash_prev"].(string)
	var hashPrev []byte
	if hashPrevHex != "" {
		hashPrev, err = hex.DecodeString(hashPrevHex)
		if err != nil {
			return nil, fmt.Errorf("decode hash_prev: %w", err)
		}
	}

	hashCurrHex, _ := values["hash_curr"].(string)
	hashCurr, err := hex.DecodeString(hashCurrHex)
	if err != nil {
		return nil, fmt.Errorf("decode hash_curr: %w", err)
	}

	return &types.TaskEvent{
		TaskID:   taskID,
		Seq:      seq,
		Ts:       ts,
		Kind:     types.EventKind(kind),
		Payload:  payload,
		HashPrev: hashPrev,
		HashCurr: hashCurr,
	}, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		var out int64
		_, err := fmt.Sscanf(n, "%d", &out)
		return out, err
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

// Append appends event to its task's stream, returning the broker-assigned
// entry ID. Callers retry on transient error with capped exponential
// backoff.
func (b *Broker) Append(taskID string, event *types.TaskEvent) (string, error) {
	fields, err := serializeEvent(event)
	if err != nil {
		return "", err
	}
	id, err := b.client.XAdd(&redis.XAddArgs{
		Stream: eventStreamKey(taskID),
		ID:     "*",
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// RangeRead returns up to count entries strictly after sinceID, in order.
// Returns ErrNoEntries when nothing is available. sinceID of "" or "-"
// reads from the beginning of the retained stream.
func (b *Broker) RangeRead(taskID, sinceID string, count int64) ([]Entry, error) {
	start := "("
	if sinceID == "" || sinceID == "-" {
		start = "-"
	} else {
		start += sinceID
	}

	msgs, err := b.client.XRangeN(eventStreamKey(taskID), start, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}
	if len(msgs) == 0 {
		return nil, ErrNoEntries
	}
	return toEntries(msgs)
}

// BlockingRead behaves like RangeRead but blocks up to block waiting for
// new entries. Returns ErrNoEntries on timeout (not treated as an error by
// callers).
func (b *Broker) BlockingRead(taskID, afterID string, block time.Duration) ([]Entry, error) {
	if afterID == "" {
		afterID = "0"
	}
	res, err := b.client.XRead(&redis.XReadArgs{
		Streams: []string{eventStreamKey(taskID), afterID},
		Count:   1000,
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return nil, ErrNoEntries
	}
	if err != nil {
		return nil, fmt.Errorf("xread: %w", err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, ErrNoEntries
	}
	return toEntries(res[0].Messages)
}

func toEntries(msgs []redis.XMessage) ([]Entry, error) {
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		event, err := deserializeEvent(msg.Values)
		if err != nil {
			return nil, fmt.Errorf("deserialize entry %s: %w", msg.ID, err)
		}
		entries = append(entries, Entry{ID: msg.ID, Event: event})
	}
	return entries, nil
}

// TrimPolicy bounds how Trim evicts entries.
type TrimPolicy struct {
	// MaxLen, if >0, caps the stream at exactly this many entries (XTRIM
	// MAXLEN without the approximate "~" modifier).
	MaxLen int64
}

// Trim evicts the oldest entries per policy. Compacted entries are
// unrecoverable from the broker; they remain in the Durable Store.
func (b *Broker) Trim(taskID string, policy TrimPolicy) error {
	if policy.MaxLen <= 0 {
		return nil
	}
	return b.client.XTrim(eventStreamKey(taskID), policy.MaxLen).Err()
}

// LatestID returns the ID of the most recently appended entry, or
// ErrNoEntries if the stream is empty/absent. Used by the Streaming Server
// to find the broker's tail in a single round trip when a client skips
// backfill entirely.
func (b *Broker) LatestID(taskID string) (string, error) {
	msgs, err := b.client.XRevRangeN(eventStreamKey(taskID), "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("xrevrange: %w", err)
	}
	if len(msgs) == 0 {
		return "", ErrNoEntries
	}
	return msgs[0].ID, nil
}

// ControlPublish publishes a fire-and-forget ControlMessage to the task's
// control channel. Only subscribers connected at delivery time receive it.
func (b *Broker) ControlPublish(taskID string, msg *types.ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	return b.client.Publish(controlChannel(taskID), data).Err()
}

// ControlSubscription is a live subscription to a task's control channel.
type ControlSubscription struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

// ControlSubscribe opens a subscription to the task's control channel.
// Callers must call Close when done.
func (b *Broker) ControlSubscribe(taskID string) *ControlSubscription {
	pubsub := b.client.Subscribe(controlChannel(taskID))
	return &ControlSubscription{pubsub: pubsub, ch: pubsub.Channel()}
}

// Next blocks until a ControlMessage arrives or the subscription closes
// (ok=false).
func (s *ControlSubscription) Next() (*types.ControlMessage, bool) {
	msg, ok := <-s.ch
	if !ok {
		return nil, false
	}
	var ctrl types.ControlMessage
	if err := json.Unmarshal([]byte(msg.Payload), &ctrl); err != nil {
		return nil, false
	}
	return &ctrl, true
}

// Close ends the subscription.
func (s *ControlSubscription) Close() error {
	return s.pubsub.Close()
}

// SetEphemeral stores value under key with a TTL — used for heartbeat
// storage at hb:{task_id}.
func (b *Broker) SetEphemeral(key string, value []byte, ttl time.Duration) error {
	return b.client.Set(key, value, ttl).Err()
}

// GetEphemeral returns the stored value for key, or ErrNoEntries if absent
// or expired.
func (b *Broker) GetEphemeral(key string) ([]byte, error) {
	val, err := b.client.Get(key).Bytes()
	if err == redis.Nil {
		return nil, ErrNoEntries
	}
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return val, nil
}

// SetHeartbeat JSON-encodes hb and stores it at hb:{task_id} with ttl.
func (b *Broker) SetHeartbeat(taskID string, hb *types.Heartbeat, ttl time.Duration) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	return b.SetEphemeral(heartbeatKey(taskID), data, ttl)
}

// GetHeartbeat returns the most recently written heartbeat for a task.
func (b *Broker) GetHeartbeat(taskID string) (*types.Heartbeat, error) {
	data, err := b.GetEphemeral(heartbeatKey(taskID))
	if err != nil {
		return nil, err
	}
	var hb types.Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}
	return &hb, nil
}

// RemoveHeartbeat deletes the heartbeat key for a task, called on terminal
// transition.
func (b *Broker) RemoveHeartbeat(taskID string) error {
	return b.client.Del(heartbeatKey(taskID)).Err()
}
