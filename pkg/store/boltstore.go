package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/warren/pkg/hashchain"
	"github.com/cuemby/warren/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks      = []byte("tasks")
	bucketTaskEvents = []byte("task_events")
	bucketHeartbeats = []byte("heartbeats")
)

var _ Store = (*BoltStore)(nil)

// BoltStore implements Store using an embedded bbolt database. Claim and
// transition correctness rest on bbolt's single-writer Update transaction:
// only one Update runs at a time against the whole database, which is
// sufficient to make claim_pending and transition_to atomic without an
// application-level advisory lock.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt-backed store under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "taskrunner.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketTaskEvents, bucketHeartbeats} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) putTask(tx *bolt.Tx, task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketTasks).Put([]byte(task.ID), data)
}

// ClaimPending transitions up to n pending tasks to running, oldest
// created_at first, inside a single write transaction so no two concurrent
// callers can ever observe the same task.
func (s *BoltStore) ClaimPending(n int) ([]*types.Task, error) {
	if n <= 0 {
		return nil, nil
	}

	var claimed []*types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)

		var pending []*types.Task
		if err := b.ForEach(func(_, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.State == types.TaskStatePending {
				pending = append(pending, &task)
			}
			return nil
		}); err != nil {
			return err
		}

		sort.Slice(pending, func(i, j int) bool {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		})

		if len(pending) > n {
			pending = pending[:n]
		}

		now := time.Now().UTC()
		for _, task := range pending {
			task.State = types.TaskStateRunning
			task.StartedAt = &now
			if err := s.putTask(tx, task); err != nil {
				return err
			}
			claimed = append(claimed, task.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

var terminalPredecessors = map[types.TaskState][]types.TaskState{
	types.TaskStateRunning:   {types.TaskStatePending},
	types.TaskStateSucceeded: {types.TaskStateRunning},
	types.TaskStateFailed:    {types.TaskStateRunning},
	types.TaskStateTimeout:   {types.TaskStateRunning},
	types.TaskStateCanceled:  {types.TaskStatePending, types.TaskStateRunning},
}

func permitted(from, target types.TaskState) bool {
	for _, p := range terminalPredecessors[target] {
		if p == from {
			return true
		}
	}
	return false
}

func (s *BoltStore) TransitionTo(taskID string, target types.TaskState, fields func(*types.Task)) (*types.Task, error) {
	var result *types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(taskID))
		if data == nil {
			return ErrNotFound
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}

		if task.State.IsTerminal() || !permitted(task.State, target) {
			result = task.Clone()
			return ErrPreconditionFailed
		}

		task.State = target
		if target.IsTerminal() {
			now := time.Now().UTC()
			task.EndedAt = &now
		}
		if fields != nil {
			fields(&task)
		}

		if err := s.putTask(tx, &task); err != nil {
			return err
		}
		result = task.Clone()
		return nil
	})
	if err != nil && err != ErrPreconditionFailed {
		return nil, err
	}
	return result, err
}

func eventKey(taskID string, seq int64) []byte {
	key := make([]byte, 0, len(taskID)+1+8)
	key = append(key, []byte(taskID)...)
	key = append(key, 0x00)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], uint64(seq))
	return append(key, seqBuf[:]...)
}

func (s *BoltStore) AppendEvent(event *types.TaskEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(bucketTaskEvents)
		key := eventKey(event.TaskID, event.Seq)
		if eb.Get(key) != nil {
			return ErrDuplicateEvent
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if err := eb.Put(key, data); err != nil {
			return err
		}

		tb := tx.Bucket(bucketTasks)
		taskData := tb.Get([]byte(event.TaskID))
		if taskData == nil {
			return ErrNotFound
		}
		var task types.Task
		if err := json.Unmarshal(taskData, &task); err != nil {
			return err
		}
		task.Cursor = event.Seq
		task.BytesStreamed += int64(len(data))
		return s.putTask(tx, &task)
	})
}

func (s *BoltStore) ReadEvents(taskID string, startSeq, endSeq int64) ([]*types.TaskEvent, error) {
	var events []*types.TaskEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		eb := tx.Bucket(bucketTaskEvents)
		c := eb.Cursor()
		prefix := append([]byte(taskID), 0x00)
		start := eventKey(taskID, startSeq)

		for k, v := c.Seek(start); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var event types.TaskEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if endSeq >= 0 && event.Seq > endSeq {
				break
			}
			events = append(events, &event)
		}
		return nil
	})
	return events, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *BoltStore) VerifyChain(taskID string) (bool, error) {
	events, err := s.ReadEvents(taskID, 0, -1)
	if err != nil {
		return false, err
	}

	var prevHash []byte
	for _, event := range events {
		want, err := hashchain.Compute(prevHash, event.Seq, event.Kind, event.Payload, event.Ts)
		if err != nil {
			return false, err
		}
		if string(want) != string(event.HashCurr) {
			return false, nil
		}
		prevHash = event.HashCurr
	}
	return true, nil
}

func (s *BoltStore) CountByState(state types.TaskState) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(_, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.State == state {
				count++
			}
			return nil
		})
	})
	return count, err
}

func (s *BoltStore) SetHeartbeat(taskID string, hb *types.Heartbeat) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeartbeats)
		data, err := json.Marshal(hb)
		if err != nil {
			return err
		}
		return b.Put([]byte(taskID), data)
	})
}

func (s *BoltStore) GetHeartbeat(taskID string) (*types.Heartbeat, error) {
	var hb types.Heartbeat
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeartbeats)
		data := b.Get([]byte(taskID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &hb)
	})
	if err != nil {
		return nil, err
	}
	return &hb, nil
}

func (s *BoltStore) RemoveHeartbeat(taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeartbeats)
		return b.Delete([]byte(taskID))
	})
}
