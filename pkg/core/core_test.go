package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/broker"
	"github.com/cuemby/warren/pkg/stream"
	"github.com/cuemby/warren/pkg/store"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]*types.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*types.Task)}
}

func (s *fakeStore) CreateTask(task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *fakeStore) GetTask(id string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (s *fakeStore) TransitionTo(taskID string, target types.TaskState, fields func(*types.Task)) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.State.IsTerminal() {
		return t, store.ErrPreconditionFailed
	}
	t.State = target
	if fields != nil {
		fields(t)
	}
	return t, nil
}

func (s *fakeStore) ReadEvents(taskID string, startSeq, endSeq int64) ([]*types.TaskEvent, error) {
	return nil, nil
}

type fakeControlPublisher struct {
	mu        sync.Mutex
	published []*types.ControlMessage
}

func (f *fakeControlPublisher) ControlPublish(taskID string, msg *types.ControlMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func newTestCore(t *testing.T, s *fakeStore, pub *fakeControlPublisher) *Core {
	t.Helper()
	reader := stream.New(s, noEntriesBroker{}, zerolog.Nop(), stream.DefaultConfig())
	return New(s, pub, reader, zerolog.Nop(), DefaultConfig())
}

// noEntriesBroker reports an empty stream for every query. It is only ever
// reached after Reader.validate, which these tests exercise solely through
// the not-found path, so its return values are never inspected.
type noEntriesBroker struct{}

func (noEntriesBroker) RangeRead(taskID, sinceID string, count int64) ([]broker.Entry, error) {
	return nil, broker.ErrNoEntries
}

func (noEntriesBroker) BlockingRead(taskID, afterID string, block time.Duration) ([]broker.Entry, error) {
	return nil, broker.ErrNoEntries
}

func (noEntriesBroker) LatestID(taskID string) (string, error) {
	return "", broker.ErrNoEntries
}

func TestSubmitCreatesPendingTask(t *testing.T) {
	s := newFakeStore()
	c := newTestCore(t, s, &fakeControlPublisher{})

	id, err := c.Submit("acme", "mock", map[string]any{"duration_ms": float64(10)}, 60)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, err := s.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatePending, task.State)
	assert.Equal(t, "acme", task.Tenant)
	assert.Equal(t, 60, task.TimeoutSeconds)
}

func TestSubmitClampsTimeout(t *testing.T) {
	s := newFakeStore()
	c := newTestCore(t, s, &fakeControlPublisher{})

	id, err := c.Submit("acme", "mock", nil, 0)
	require.NoError(t, err)
	task, _ := s.GetTask(id)
	assert.Equal(t, types.DefaultTimeoutSeconds, task.TimeoutSeconds)
	assert.NotNil(t, task.Args)
}

func TestStatusReturnsErrTaskNotFoundForWrongTenant(t *testing.T) {
	s := newFakeStore()
	c := newTestCore(t, s, &fakeControlPublisher{})

	id, err := c.Submit("acme", "mock", nil, 60)
	require.NoError(t, err)

	_, err = c.Status("other-tenant", id)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCancelPendingTransitionsImmediately(t *testing.T) {
	s := newFakeStore()
	pub := &fakeControlPublisher{}
	c := newTestCore(t, s, pub)

	id, err := c.Submit("acme", "mock", nil, 60)
	require.NoError(t, err)

	require.NoError(t, c.Cancel("acme", id, ""))

	task, _ := s.GetTask(id)
	assert.Equal(t, types.TaskStateCanceled, task.State)
	assert.Empty(t, pub.published)
}

func TestCancelRunningPublishesControlMessage(t *testing.T) {
	s := newFakeStore()
	pub := &fakeControlPublisher{}
	c := newTestCore(t, s, pub)

	id, err := c.Submit("acme", "mock", nil, 60)
	require.NoError(t, err)
	_, err = s.TransitionTo(id, types.TaskStateRunning, nil)
	require.NoError(t, err)

	require.NoError(t, c.Cancel("acme", id, "operator requested shutdown"))

	task, _ := s.GetTask(id)
	assert.Equal(t, types.TaskStateRunning, task.State)
	require.Len(t, pub.published, 1)
	assert.Equal(t, types.CommandCancel, pub.published[0].Command)
	assert.Equal(t, "operator requested shutdown", pub.published[0].Reason)
}

func TestCancelRunningDefaultsReasonWhenUnstated(t *testing.T) {
	s := newFakeStore()
	pub := &fakeControlPublisher{}
	c := newTestCore(t, s, pub)

	id, err := c.Submit("acme", "mock", nil, 60)
	require.NoError(t, err)
	_, err = s.TransitionTo(id, types.TaskStateRunning, nil)
	require.NoError(t, err)

	require.NoError(t, c.Cancel("acme", id, ""))

	require.Len(t, pub.published, 1)
	assert.Equal(t, "client-requested", pub.published[0].Reason)
}

func TestCancelTerminalTaskIsIdempotentNoOp(t *testing.T) {
	s := newFakeStore()
	pub := &fakeControlPublisher{}
	c := newTestCore(t, s, pub)

	id, err := c.Submit("acme", "mock", nil, 60)
	require.NoError(t, err)
	_, err = s.TransitionTo(id, types.TaskStateRunning, nil)
	require.NoError(t, err)
	_, err = s.TransitionTo(id, types.TaskStateSucceeded, nil)
	require.NoError(t, err)

	require.NoError(t, c.Cancel("acme", id, ""))
	require.NoError(t, c.Cancel("acme", id, ""))
	assert.Empty(t, pub.published)
}

func TestCancelUnknownTaskReturnsErrTaskNotFound(t *testing.T) {
	s := newFakeStore()
	c := newTestCore(t, s, &fakeControlPublisher{})

	err := c.Cancel("acme", "missing", "")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestStreamTranslatesNotFoundError(t *testing.T) {
	s := newFakeStore()
	c := newTestCore(t, s, &fakeControlPublisher{})

	err := c.Stream(context.Background(), "acme", "missing", 0, func(stream.Item) error { return nil })
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
