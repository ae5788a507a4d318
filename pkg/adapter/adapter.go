// Package adapter defines the Adapter contract that the Worker Orchestrator
// dispatches claimed tasks to, and provides the deterministic mock adapter
// used for testing and demos.
package adapter

import (
	"context"
	"fmt"
)

// AdapterEventKind mirrors types.EventKind for events an adapter emits
// before they are assigned a sequence number and hash by the Event
// Emitter.
type AdapterEventKind string

const (
	KindStarted   AdapterEventKind = "started"
	KindProgress  AdapterEventKind = "progress"
	KindStdout    AdapterEventKind = "stdout"
	KindStderr    AdapterEventKind = "stderr"
	KindCompleted AdapterEventKind = "success"
	KindFailed    AdapterEventKind = "error"
	KindCancelled AdapterEventKind = "canceled"
)

// AdapterEvent is what an Adapter hands to the Adapter Context's emit
// primitive. It carries no seq/hash — those are the Event Emitter's job.
type AdapterEvent struct {
	Kind    AdapterEventKind
	Payload map[string]any
}

func Started(payload map[string]any) AdapterEvent {
	return AdapterEvent{Kind: KindStarted, Payload: payload}
}

func Progress(percent int, message string) AdapterEvent {
	return AdapterEvent{Kind: KindProgress, Payload: map[string]any{
		"percent": float64(percent),
		"message": message,
	}}
}

func Stdout(data string) AdapterEvent {
	return AdapterEvent{Kind: KindStdout, Payload: map[string]any{"data": data}}
}

func Stderr(data string) AdapterEvent {
	return AdapterEvent{Kind: KindStderr, Payload: map[string]any{"data": data}}
}

func Completed(payload map[string]any) AdapterEvent {
	return AdapterEvent{Kind: KindCompleted, Payload: payload}
}

func Failed(message string) AdapterEvent {
	return AdapterEvent{Kind: KindFailed, Payload: map[string]any{"error": message}}
}

// Cancelled builds the event an adapter emits when it observes
// cancellation. reason carries whatever caused the cancellation handle to
// fire (a client-supplied cancel reason, or "timeout"); it is omitted from
// the payload when empty (e.g. a bare shutdown with no reason recorded).
func Cancelled(reason string) AdapterEvent {
	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	return AdapterEvent{Kind: KindCancelled, Payload: payload}
}

// Context is passed to Adapter.Execute. It carries the task identity, the
// caller-supplied args, an event emission primitive, and a cancellation
// observer — Adapters must check IsCancelled at every natural suspension
// point and must never emit after Execute returns.
type Context struct {
	TaskID string
	Args   map[string]any

	// Ctx carries cancellation: Done() closes when the Orchestrator's
	// cancellation handle fires (control cancel, timeout, or shutdown).
	Ctx context.Context

	emit     func(AdapterEvent)
	reasonFn func() string
}

// NewContext constructs an adapter Context. emit must be non-blocking from
// the adapter's perspective (the Orchestrator drains it on a goroutine via
// a bounded channel).
func NewContext(ctx context.Context, taskID string, args map[string]any, emit func(AdapterEvent)) *Context {
	return &Context{TaskID: taskID, Args: args, Ctx: ctx, emit: emit}
}

// Emit sends an event for the owning task. Never call after Execute returns.
func (c *Context) Emit(event AdapterEvent) {
	c.emit(event)
}

// IsCancelled reports whether cancellation has been requested.
func (c *Context) IsCancelled() bool {
	select {
	case <-c.Ctx.Done():
		return true
	default:
		return false
	}
}

// Cancelled returns a channel that closes when cancellation is requested,
// for adapters that want to select on it rather than poll IsCancelled.
func (c *Context) Cancelled() <-chan struct{} {
	return c.Ctx.Done()
}

// WithCancelReason attaches fn as the source CancelReason reads from. The
// Orchestrator wires this to whatever recorded why the cancellation handle
// fired, so an adapter's cancelled event can carry it.
func (c *Context) WithCancelReason(fn func() string) *Context {
	c.reasonFn = fn
	return c
}

// CancelReason reports why cancellation was requested ("" if unknown or not
// yet triggered). Adapters call this when building their cancelled event.
func (c *Context) CancelReason() string {
	if c.reasonFn == nil {
		return ""
	}
	return c.reasonFn()
}

// Adapter is a polymorphic executor invoked by the Worker Orchestrator once
// per claimed task.
type Adapter interface {
	// Name identifies the adapter, matched against Task.AdapterName.
	Name() string

	// ValidateArgs checks args before execution begins. An invalid-args
	// error causes the Orchestrator to fail the task without calling
	// Execute.
	ValidateArgs(args map[string]any) error

	// Execute performs the task's work. It must emit a started event as
	// its first action and a completed/failed event on its last, and must
	// return nil for every graceful completion path including
	// cancellation (the Orchestrator classifies canceled/timeout outcomes
	// from its own cancellation-handle state, not from Execute's return
	// value). Execute returns a non-nil error only for unrecoverable
	// execution failure.
	Execute(ctx *Context) error

	// Metadata describes the adapter for introspection.
	Metadata() map[string]any
}

// ErrUnknownAdapter is returned by a Registry when no adapter is registered
// under the requested name.
type ErrUnknownAdapter struct {
	Name string
}

func (e *ErrUnknownAdapter) Error() string {
	return fmt.Sprintf("adapter: unknown adapter %q", e.Name)
}

// Registry resolves adapters by name for the Orchestrator.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a Registry from a set of adapters, keyed by Name().
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Resolve returns the adapter registered under name, or ErrUnknownAdapter.
func (r *Registry) Resolve(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, &ErrUnknownAdapter{Name: name}
	}
	return a, nil
}
