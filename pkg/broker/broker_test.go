package broker

import (
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBroker requires a reachable Redis instance on 127.0.0.1:6379 (the
// address is fixed). Skips rather than failing when none is running,
// matching the pattern used for the equivalent Redis-backed tests this
// package is grounded on.
func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(Config{Addr: "127.0.0.1:6379"})
	if err := b.Ping(); err != nil {
		t.Skipf("skipping: no reachable redis: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func newTestEvent(taskID string, seq int64) *types.TaskEvent {
	return &types.TaskEvent{
		TaskID:   taskID,
		Seq:      seq,
		Kind:     types.EventKindProgress,
		Payload:  map[string]any{"percent": float64(seq * 10)},
		Ts:       time.Now().UTC(),
		HashPrev: []byte{},
		HashCurr: []byte{0x01, 0x02, 0x03},
	}
}

func TestAppendAndRangeRead(t *testing.T) {
	b := newTestBroker(t)
	taskID := uuid.NewString()

	for seq := int64(0); seq < 3; seq++ {
		_, err := b.Append(taskID, newTestEvent(taskID, seq))
		require.NoError(t, err)
	}

	entries, err := b.RangeRead(taskID, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(0), entries[0].Event.Seq)
	assert.Equal(t, int64(2), entries[2].Event.Seq)
	assert.Equal(t, taskID, entries[0].Event.TaskID)
}

func TestRangeReadSinceIDIsExclusive(t *testing.T) {
	b := newTestBroker(t)
	taskID := uuid.NewString()

	firstID, err := b.Append(taskID, newTestEvent(taskID, 0))
	require.NoError(t, err)
	_, err = b.Append(taskID, newTestEvent(taskID, 1))
	require.NoError(t, err)

	entries, err := b.RangeRead(taskID, firstID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].Event.Seq)
}

func TestRangeReadNoEntries(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.RangeRead(uuid.NewString(), "", 10)
	assert.ErrorIs(t, err, ErrNoEntries)
}

func TestBlockingReadTimesOutCleanly(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.BlockingRead(uuid.NewString(), "", 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoEntries)
}

func TestBlockingReadReceivesNewEntry(t *testing.T) {
	b := newTestBroker(t)
	taskID := uuid.NewString()

	done := make(chan []Entry, 1)
	go func() {
		entries, err := b.BlockingRead(taskID, "", 2*time.Second)
		require.NoError(t, err)
		done <- entries
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := b.Append(taskID, newTestEvent(taskID, 0))
	require.NoError(t, err)

	select {
	case entries := <-done:
		require.Len(t, entries, 1)
		assert.Equal(t, int64(0), entries[0].Event.Seq)
	case <-time.After(3 * time.Second):
		t.Fatal("blocking read did not observe appended entry in time")
	}
}

func TestLatestID(t *testing.T) {
	b := newTestBroker(t)
	taskID := uuid.NewString()

	_, err := b.Append(taskID, newTestEvent(taskID, 0))
	require.NoError(t, err)
	var lastID string
	for seq := int64(1); seq < 5; seq++ {
		lastID, err = b.Append(taskID, newTestEvent(taskID, seq))
		require.NoError(t, err)
	}

	latest, err := b.LatestID(taskID)
	require.NoError(t, err)
	assert.Equal(t, lastID, latest)
}

func TestLatestIDNoEntries(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.LatestID(uuid.NewString())
	assert.ErrorIs(t, err, ErrNoEntries)
}

func TestTrimCompactsOldEntries(t *testing.T) {
	b := newTestBroker(t)
	taskID := uuid.NewString()

	for seq := int64(0); seq < 10; seq++ {
		_, err := b.Append(taskID, newTestEvent(taskID, seq))
		require.NoError(t, err)
	}

	require.NoError(t, b.Trim(taskID, TrimPolicy{MaxLen: 3}))

	entries, err := b.RangeRead(taskID, "", 100)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 4)
}

func TestControlPublishSubscribe(t *testing.T) {
	b := newTestBroker(t)
	taskID := uuid.NewString()

	sub := b.ControlSubscribe(taskID)
	defer sub.Close()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.ControlPublish(taskID, &types.ControlMessage{
		Command: types.CommandCancel,
		Reason:  "user requested",
	}))

	msg, ok := sub.Next()
	require.True(t, ok)
	assert.Equal(t, types.CommandCancel, msg.Command)
	assert.Equal(t, "user requested", msg.Reason)
}

func TestHeartbeatSetGetRemove(t *testing.T) {
	b := newTestBroker(t)
	taskID := uuid.NewString()

	hb := &types.Heartbeat{WorkerID: "worker-1", Timestamp: time.Now().UTC()}
	require.NoError(t, b.SetHeartbeat(taskID, hb, time.Minute))

	got, err := b.GetHeartbeat(taskID)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", got.WorkerID)

	require.NoError(t, b.RemoveHeartbeat(taskID))
	_, err = b.GetHeartbeat(taskID)
	assert.ErrorIs(t, err, ErrNoEntries)
}

func TestHeartbeatExpires(t *testing.T) {
	b := newTestBroker(t)
	taskID := uuid.NewString()

	hb := &types.Heartbeat{WorkerID: "worker-1", Timestamp: time.Now().UTC()}
	require.NoError(t, b.SetHeartbeat(taskID, hb, 100*time.Millisecond))

	time.Sleep(300 * time.Millisecond)
	_, err := b.GetHeartbeat(taskID)
	assert.ErrorIs(t, err, ErrNoEntries)
}
