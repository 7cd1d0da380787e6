// Copyright 2025-2026 Patrick J. Scruggs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package accesslog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// invocationSeq numbers invocations across every Recorder in the process so
// sinks shared between recorders can pair events.
var invocationSeq atomic.Uint64

// Option configures a Recorder.
type Option func(*config)

type config struct {
	gate      Gate
	now       func() time.Time
	errorKind func(error) string
}

// defaultConfig returns the baseline Recorder configuration: always enabled,
// wall clock, ErrorKind naming.
func defaultConfig() *config {
	return &config{
		gate:      GateFunc(nil),
		now:       time.Now,
		errorKind: ErrorKind,
	}
}

// applyOptions applies the provided options on top of defaultConfig.
func applyOptions(opts []Option) *config {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// WithGate sets the Gate consulted once per invocation. A nil gate leaves
// logging always enabled.
func WithGate(g Gate) Option {
	return func(cfg *config) {
		if g == nil {
			cfg.gate = GateFunc(nil)
			return
		}
		cfg.gate = g
	}
}

// WithClock overrides the clock used to measure elapsed time.
func WithClock(now func() time.Time) Option {
	return func(cfg *config) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WithErrorKind overrides how failures are named in finish labels.
func WithErrorKind(fn func(error) string) Option {
	return func(cfg *config) {
		if fn != nil {
			cfg.errorKind = fn
		}
	}
}

// Recorder emits a start event before and a finish event after exactly one
// delegated request execution. It holds no per-request state and is safe for
// concurrent use.
type Recorder struct {
	sink Sink
	cfg  *config
}

// New returns a Recorder writing to sink. A nil sink discards events.
func New(sink Sink, opts ...Option) *Recorder {
	if sink == nil {
		sink = SinkFunc(nil)
	}
	return &Recorder{sink: sink, cfg: applyOptions(opts)}
}

// Enabled reports whether the gate currently allows logging.
func (r *Recorder) Enabled() bool {
	return r != nil && r.cfg.gate.Enabled()
}

// Invocation tracks one in-flight delegated execution between its start and
// finish events.
type Invocation struct {
	id    uint64
	r     *Recorder
	ctx   context.Context
	ic    *InvocationContext
	desc  Descriptor
	start time.Time
	once  sync.Once
}

// Begin consults the gate and, when enabled, calls Start. When disabled it
// returns ctx unchanged and a nil Invocation, whose methods are no-ops that
// still run the delegate.
func (r *Recorder) Begin(ctx context.Context, desc Descriptor) (context.Context, *Invocation) {
	if !r.Enabled() {
		return ctx, nil
	}
	return r.Start(ctx, desc)
}

// Start emits the start event and records the start time without consulting
// the gate; adapters that must inspect the request to build desc call
// Enabled first and then Start. The invocation context carried by ctx is
// used, created if absent; the returned context carries it.
func (r *Recorder) Start(ctx context.Context, desc Descriptor) (context.Context, *Invocation) {
	ctx, ic := EnsureInvocation(ctx)
	id := invocationSeq.Add(1)

	r.sink.Log(ctx, Event{
		ID:         id,
		Context:    ic,
		Phase:      PhaseStart,
		Label:      LabelStarting,
		Descriptor: desc,
		Status:     StatusUnknown,
	})

	return ctx, &Invocation{
		id:    id,
		r:     r,
		ctx:   ctx,
		ic:    ic,
		desc:  desc,
		start: r.cfg.now(),
	}
}

// Context returns the invocation context the events are reported against.
func (inv *Invocation) Context() *InvocationContext {
	if inv == nil {
		return nil
	}
	return inv.ic
}

// End emits the finish event. A nil err reports success with status; a
// non-nil err reports a failure with StatusError. Only the first call emits;
// End reports whether it did.
func (inv *Invocation) End(status int, err error) bool {
	if inv == nil {
		return false
	}
	emitted := false
	inv.once.Do(func() {
		emitted = true
		elapsed := inv.r.cfg.now().Sub(inv.start)
		if elapsed < 0 {
			elapsed = 0
		}
		ev := Event{
			ID:         inv.id,
			Context:    inv.ic,
			Phase:      PhaseFinish,
			Label:      LabelFinished,
			Descriptor: inv.desc,
			Status:     status,
			Elapsed:    elapsed,
		}
		if err != nil {
			ev.Phase = PhaseFailure
			ev.Label = FailureLabel(inv.r.cfg.errorKind(err))
			ev.Status = StatusError
			ev.Err = err
		}
		inv.r.sink.Log(inv.ctx, ev)
	})
	return emitted
}

// PanicError describes a panic observed while a delegate was running. It is
// only used for the failure event; the original value is re-panicked.
type PanicError struct {
	Value any
}

// Error formats the recovered value.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Kind names panics in failure labels.
func (e *PanicError) Kind() string { return "panic" }

// endOnPanic records a failure for a delegate that panicked and re-panics
// with the original value. It must be deferred directly.
func (inv *Invocation) endOnPanic() {
	if inv == nil {
		return
	}
	if v := recover(); v != nil {
		inv.End(StatusError, &PanicError{Value: v})
		panic(v)
	}
}

// Do runs fn as a blocking delegate between a start and a finish event. The
// status and error returned by fn are returned unchanged. A panic in fn is
// logged as a failure and propagated.
func (r *Recorder) Do(ctx context.Context, desc Descriptor, fn func(context.Context) (int, error)) (int, error) {
	ctx, inv := r.Begin(ctx, desc)
	return inv.Do(ctx, fn)
}

// Do runs fn and ends inv with its outcome. On a nil Invocation fn simply
// runs.
func (inv *Invocation) Do(ctx context.Context, fn func(context.Context) (int, error)) (int, error) {
	if inv == nil {
		return fn(ctx)
	}
	defer inv.endOnPanic()

	status, err := fn(ctx)
	inv.End(status, err)
	return status, err
}

// Call is the typed form of Do: statusOf extracts the status code from a
// successful result.
func Call[T any](ctx context.Context, r *Recorder, desc Descriptor, statusOf func(T) int, fn func(context.Context) (T, error)) (T, error) {
	ctx, inv := r.Begin(ctx, desc)
	if inv == nil {
		return fn(ctx)
	}
	defer inv.endOnPanic()

	res, err := fn(ctx)
	status := StatusUnknown
	if err == nil && statusOf != nil {
		status = statusOf(res)
	}
	inv.End(status, err)
	return res, err
}

// Defer runs fn as a deferred delegate. The finish event is attached to the
// completion fn returns and fires when it settles, on the settling goroutine.
// The returned Completion settles with the same status or error, after the
// finish event has been emitted. When logging is disabled the completion from
// fn is returned as is.
func (r *Recorder) Defer(ctx context.Context, desc Descriptor, fn func(context.Context) *Completion) *Completion {
	ctx, inv := r.Begin(ctx, desc)
	return inv.Defer(ctx, fn)
}

// Defer runs fn and ends inv when the returned completion settles. On a nil
// Invocation the completion from fn is returned as is.
func (inv *Invocation) Defer(ctx context.Context, fn func(context.Context) *Completion) *Completion {
	if inv == nil {
		return fn(ctx)
	}

	src := func() *Completion {
		defer inv.endOnPanic()
		return fn(ctx)
	}()
	if src == nil {
		src = Rejected(ErrNoCompletion)
	}

	out := NewCompletion()
	src.OnComplete(func(status int, err error) {
		inv.End(status, err)
		if err != nil {
			out.Reject(err)
			return
		}
		out.Resolve(status)
	})
	return out
}
