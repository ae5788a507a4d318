package metrics

import (
	"time"

	"github.com/cuemby/warren/pkg/types"
)

// StateCounter is the slice of the Durable Store the collector needs.
type StateCounter interface {
	CountByState(state types.TaskState) (int, error)
}

var allStates = []types.TaskState{
	types.TaskStatePending,
	types.TaskStateRunning,
	types.TaskStateSucceeded,
	types.TaskStateFailed,
	types.TaskStateCanceled,
	types.TaskStateTimeout,
}

// Collector periodically samples task counts by state from the Durable
// Store into TasksByState, since gauges reflecting a snapshot of stored
// state can't be kept current by counter increments alone.
type Collector struct {
	store    StateCounter
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(store StateCounter) *Collector {
	return &Collector{store: store, interval: 15 * time.Second, stopCh: make(chan struct{})}
}

// Start begins collecting metrics on a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, state := range allStates {
		count, err := c.store.CountByState(state)
		if err != nil {
			continue
		}
		TasksByState.WithLabelValues(string(state)).Set(float64(count))
	}
}
