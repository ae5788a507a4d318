// Package orchestrator implements the Worker Orchestrator: the main loop
// that continuously claims pending tasks, bounds concurrent execution,
// dispatches each claimed task to its adapter, and drives every claimed
// task through to a terminal state.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/adapter"
	"github.com/cuemby/warren/pkg/broker"
	"github.com/cuemby/warren/pkg/emitter"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
	"github.com/ygrebnov/workers"
)

const shutdownGrace = 30 * time.Second

// Config holds the Worker Orchestrator's tunables, mirroring the
// environment knobs the outer shell reads at startup.
type Config struct {
	WorkerID           string
	PollInterval       time.Duration
	MaxConcurrentTasks int
	ClaimBatchSize     int
	HeartbeatInterval  time.Duration
	HeartbeatTTL       time.Duration
	TimeoutGrace       time.Duration
	EventChannelBuffer int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:           workerID,
		PollInterval:       time.Second,
		MaxConcurrentTasks: 10,
		ClaimBatchSize:     5,
		HeartbeatInterval:  30 * time.Second,
		HeartbeatTTL:       60 * time.Second,
		TimeoutGrace:       30 * time.Second,
		EventChannelBuffer: 1024,
	}
}

// Store is the slice of the Durable Store the Orchestrator needs, plus the
// Event Emitter's AppendEvent requirement so a single concrete *store.BoltStore
// satisfies both without an adapter shim.
type Store interface {
	ClaimPending(n int) ([]*types.Task, error)
	TransitionTo(taskID string, target types.TaskState, fields func(*types.Task)) (*types.Task, error)
	AppendEvent(event *types.TaskEvent) error
}

// ControlSubscription is the slice of broker.ControlSubscription the
// control subscriber needs; satisfied directly by *broker.ControlSubscription.
type ControlSubscription interface {
	Next() (*types.ControlMessage, bool)
	Close() error
}

// Broker is the slice of the Stream Broker the Orchestrator needs.
type Broker interface {
	ControlSubscribe(taskID string) ControlSubscription
	SetHeartbeat(taskID string, hb *types.Heartbeat, ttl time.Duration) error
	RemoveHeartbeat(taskID string) error
	Append(taskID string, event *types.TaskEvent) (string, error)
}

// brokerAdapter lets *broker.Broker satisfy Broker: ControlSubscribe's
// concrete *broker.ControlSubscription return type converts to the
// narrower interface at the call site, but only through an explicit
// wrapper, since Go requires matching method signatures for interface
// satisfaction.
type brokerAdapter struct{ b *broker.Broker }

// NewBrokerAdapter wraps a concrete *broker.Broker as an orchestrator Broker.
func NewBrokerAdapter(b *broker.Broker) Broker { return brokerAdapter{b: b} }

func (a brokerAdapter) ControlSubscribe(taskID string) ControlSubscription {
	return a.b.ControlSubscribe(taskID)
}

func (a brokerAdapter) SetHeartbeat(taskID string, hb *types.Heartbeat, ttl time.Duration) error {
	return a.b.SetHeartbeat(taskID, hb, ttl)
}

func (a brokerAdapter) RemoveHeartbeat(taskID string) error {
	return a.b.RemoveHeartbeat(taskID)
}

func (a brokerAdapter) Append(taskID string, event *types.TaskEvent) (string, error) {
	return a.b.Append(taskID, event)
}

const (
	reasonCancel  = "cancel-received"
	reasonTimeout = "timeout"
)

// cancelReason records which trigger first fired a task's cancellation
// handle, and the detail that trigger carried (a client-supplied cancel
// reason, or "timeout"). The Orchestrator classifies the task's terminal
// state from whichever reason won the race: the first trigger to fire wins,
// determined by an atomic flag set alongside cancel().
type cancelReason struct {
	mu     sync.Mutex
	reason string
	detail string
}

func (c *cancelReason) trigger(cancel context.CancelFunc, reason, detail string) {
	c.mu.Lock()
	if c.reason == "" {
		c.reason = reason
		c.detail = detail
	}
	c.mu.Unlock()
	cancel()
}

func (c *cancelReason) get() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// getDetail is handed to the adapter Context so a cancelled event can carry
// why cancellation was requested.
func (c *cancelReason) getDetail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detail
}

// Orchestrator runs the main claim/dispatch loop: claim pending tasks up to
// the concurrency bound, dispatch each to its adapter, and drive it to a
// terminal state.
type Orchestrator struct {
	store    Store
	brk      Broker
	registry *adapter.Registry
	cfg      Config
	log      zerolog.Logger

	pool workers.Workers[struct{}]

	// mu protects active; active is mutated only by the main loop goroutine,
	// either directly on spawn or by draining completions.
	mu     sync.Mutex
	active map[string]context.CancelFunc

	completions chan string
	wg          sync.WaitGroup
}

// New constructs an Orchestrator.
func New(store Store, brk Broker, registry *adapter.Registry, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:       store,
		brk:         brk,
		registry:    registry,
		cfg:         cfg,
		log:         log.WithWorkerID(cfg.WorkerID).With().Str("component", "orchestrator").Logger(),
		active:      make(map[string]context.CancelFunc),
		completions: make(chan string, 256),
	}
}

// Run drives the main loop until ctx is cancelled, then cancels every
// active task and waits up to a 30 s grace period for graceful completion.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.pool = workers.NewOptions[struct{}](ctx,
		workers.WithFixedPool(uint(o.cfg.MaxConcurrentTasks)),
		workers.WithStartImmediately(),
	)

	o.log.Info().Int("max_concurrent", o.cfg.MaxConcurrentTasks).Msg("worker orchestrator starting")

	for {
		select {
		case <-ctx.Done():
			return o.shutdown()
		default:
		}

		o.drainCompletions()

		active := o.activeCount()
		if active >= o.cfg.MaxConcurrentTasks {
			if !o.idleWait(ctx) {
				return o.shutdown()
			}
			continue
		}

		free := o.cfg.MaxConcurrentTasks - active
		batch := free
		if batch > o.cfg.ClaimBatchSize {
			batch = o.cfg.ClaimBatchSize
		}

		claimed, err := o.store.ClaimPending(batch)
		if err != nil {
			o.log.Error().Err(err).Msg("claim_pending failed")
			if !o.idleWait(ctx) {
				return o.shutdown()
			}
			continue
		}

		if len(claimed) == 0 {
			if !o.idleWait(ctx) {
				return o.shutdown()
			}
			continue
		}

		for _, task := range claimed {
			o.spawn(ctx, task)
		}
	}
}

func (o *Orchestrator) activeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// drainCompletions removes finished tasks from the active set without
// blocking; called only from the main loop goroutine.
func (o *Orchestrator) drainCompletions() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for {
		select {
		case id := <-o.completions:
			delete(o.active, id)
		default:
			return
		}
	}
}

// idleWait sleeps up to PollInterval, waking early to drain a completion
// or to notice shutdown. Returns false when the caller should shut down.
func (o *Orchestrator) idleWait(ctx context.Context) bool {
	timer := time.NewTimer(o.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case id := <-o.completions:
		o.mu.Lock()
		delete(o.active, id)
		o.mu.Unlock()
		return true
	case <-timer.C:
		return true
	}
}

func (o *Orchestrator) spawn(parentCtx context.Context, task *types.Task) {
	taskCtx, cancel := context.WithCancel(parentCtx)

	o.mu.Lock()
	o.active[task.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	err := o.pool.AddTask(func(context.Context) error {
		defer o.wg.Done()
		o.runTask(taskCtx, cancel, task)
		o.completions <- task.ID
		return nil
	})
	if err != nil {
		o.log.Error().Err(err).Str("task_id", task.ID).Msg("failed to dispatch claimed task to worker pool")
		o.wg.Done()
		o.mu.Lock()
		delete(o.active, task.ID)
		o.mu.Unlock()
		msg := fmt.Sprintf("dispatch failed: %v", err)
		_, _ = o.store.TransitionTo(task.ID, types.TaskStateFailed, func(t *types.Task) {
			t.ErrorMessage = msg
		})
	}
}

// shutdown cancels every active task's handle and waits up to
// shutdownGrace for in-flight work to finish gracefully before returning.
func (o *Orchestrator) shutdown() error {
	o.log.Info().Msg("shutdown requested; cancelling active tasks")

	o.mu.Lock()
	for _, cancel := range o.active {
		cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.log.Info().Msg("all active tasks completed gracefully")
	case <-time.After(shutdownGrace):
		o.log.Warn().Msg("shutdown grace period elapsed; abandoning remaining tasks")
	}
	return nil
}

// runTask executes one claimed task to a terminal state: resolving and
// validating against its adapter, running the adapter alongside a control
// subscriber, heartbeat sender, and timeout enforcer, draining its emitted
// events through the Event Emitter, and finally classifying the outcome.
func (o *Orchestrator) runTask(ctx context.Context, cancel context.CancelFunc, task *types.Task) {
	tlog := o.log.With().Str("task_id", task.ID).Str("adapter", task.AdapterName).Logger()

	ad, err := o.registry.Resolve(task.AdapterName)
	if err != nil {
		tlog.Error().Err(err).Msg("unknown adapter; failing task without execution")
		o.finish(task, types.TaskStateFailed, err.Error(), nil)
		return
	}

	if err := ad.ValidateArgs(task.Args); err != nil {
		tlog.Error().Err(err).Msg("invalid args; failing task without execution")
		o.finish(task, types.TaskStateFailed, fmt.Sprintf("invalid args: %v", err), nil)
		return
	}

	reason := &cancelReason{}
	trigger := func(r, detail string) { reason.trigger(cancel, r, detail) }

	done := make(chan struct{})

	go o.controlSubscriber(task.ID, trigger, done)
	go o.heartbeatSender(ctx, task.ID, done)
	go o.timeoutEnforcer(task, trigger, done)

	eventsCh := make(chan adapter.AdapterEvent, o.cfg.EventChannelBuffer)
	emit := func(e adapter.AdapterEvent) {
		select {
		case eventsCh <- e:
		default:
			tlog.Warn().Str("kind", string(e.Kind)).Msg("event channel full; dropping adapter event")
		}
	}

	actx := adapter.NewContext(ctx, task.ID, task.Args, emit).WithCancelReason(reason.getDetail)

	execErrCh := make(chan error, 1)
	go func() {
		execErrCh <- ad.Execute(actx)
		close(eventsCh)
	}()

	em := emitter.New(task.ID, task.Cursor, nil, o.store, o.brk, tlog)

	emitErrCh := make(chan error, 1)
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for e := range eventsCh {
			if _, err := em.Emit(types.EventKind(e.Kind), e.Payload); err != nil {
				tlog.Error().Err(err).Str("kind", string(e.Kind)).Msg("failed to durably record adapter event; aborting task")
				emitErrCh <- err
				cancel()
				return
			}
		}
	}()

	execErr := <-execErrCh
	<-drainDone
	close(done)

	var emitErr error
	select {
	case emitErr = <-emitErrCh:
	default:
	}

	switch fired := reason.get(); {
	case emitErr != nil:
		o.finish(task, types.TaskStateFailed, fmt.Sprintf("event log write failed: %v", emitErr), nil)
	case fired == reasonCancel:
		o.finish(task, types.TaskStateCanceled, "", nil)
	case fired == reasonTimeout:
		if _, err := em.Emit(types.EventKindTimeout, map[string]any{"reason": "timeout"}); err != nil {
			tlog.Error().Err(err).Msg("failed to record timeout event")
		}
		o.finish(task, types.TaskStateTimeout, "", nil)
	case execErr != nil:
		o.finish(task, types.TaskStateFailed, execErr.Error(), nil)
	default:
		zero := 0
		o.finish(task, types.TaskStateSucceeded, "", &zero)
	}
}

func (o *Orchestrator) finish(task *types.Task, target types.TaskState, errMsg string, exitCode *int) {
	if _, err := o.store.TransitionTo(task.ID, target, func(t *types.Task) {
		if errMsg != "" {
			t.ErrorMessage = errMsg
		}
		if exitCode != nil {
			t.ExitCode = exitCode
		}
	}); err != nil {
		o.log.Error().Err(err).Str("task_id", task.ID).Str("target_state", string(target)).Msg("failed to persist terminal transition")
	}
	if err := o.brk.RemoveHeartbeat(task.ID); err != nil {
		o.log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to remove heartbeat on completion")
	}
}

// controlSubscriber listens for a cancel control message and triggers the
// task's cancellation handle on receipt, carrying the message's reason
// through to the cancellation handle. It also exits when done closes,
// regardless of cause.
func (o *Orchestrator) controlSubscriber(taskID string, trigger func(string, string), done <-chan struct{}) {
	sub := o.brk.ControlSubscribe(taskID)
	defer sub.Close()

	msgs := make(chan *types.ControlMessage)
	go func() {
		defer close(msgs)
		for {
			msg, ok := sub.Next()
			if !ok {
				return
			}
			select {
			case msgs <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if msg.Command == types.CommandCancel {
				trigger(reasonCancel, msg.Reason)
				return
			}
		}
	}
}

// heartbeatSender writes a liveness marker every HeartbeatInterval until
// done closes.
func (o *Orchestrator) heartbeatSender(ctx context.Context, taskID string, done <-chan struct{}) {
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			hb := &types.Heartbeat{WorkerID: o.cfg.WorkerID, Timestamp: time.Now().UTC()}
			if err := o.brk.SetHeartbeat(taskID, hb, o.cfg.HeartbeatTTL); err != nil {
				o.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to write heartbeat")
			}
		}
	}
}

// timeoutEnforcer requests cancellation once TimeoutSeconds elapses, then
// logs if the adapter hasn't stopped after an additional grace period.
func (o *Orchestrator) timeoutEnforcer(task *types.Task, trigger func(string, string), done <-chan struct{}) {
	timeout := time.Duration(types.ClampTimeoutSeconds(task.TimeoutSeconds, types.DefaultTimeoutSeconds)) * time.Second

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-timer.C:
	}

	trigger(reasonTimeout, "timeout")

	grace := time.NewTimer(o.cfg.TimeoutGrace)
	defer grace.Stop()

	select {
	case <-done:
	case <-grace.C:
		o.log.Warn().Str("task_id", task.ID).Msg("adapter unresponsive past timeout grace period")
	}
}
