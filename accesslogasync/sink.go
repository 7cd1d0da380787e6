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

package accesslogasync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pjscruggs/accesslog"
)

const (
	defaultQueueSize = 1024

	envAsyncEnabled      = "ACCESSLOG_ASYNC_ENABLED"
	envAsyncQueueSize    = "ACCESSLOG_ASYNC_QUEUE_SIZE"
	envAsyncDropMode     = "ACCESSLOG_ASYNC_DROP_MODE"
	envAsyncWorkers      = "ACCESSLOG_ASYNC_WORKERS"
	envAsyncFlushTimeout = "ACCESSLOG_ASYNC_FLUSH_TIMEOUT"
)

// DropMode controls how the sink behaves when the queue is full. The drop
// modes only ever pick start events; an invocation is dropped as a whole.
type DropMode int

const (
	// DropModeBlock blocks the caller when the queue is full.
	DropModeBlock DropMode = iota
	// DropModeDropNewest drops the incoming invocation when the queue is full.
	DropModeDropNewest
	// DropModeDropOldest drops the oldest queued invocation when the queue is
	// full.
	DropModeDropOldest
)

// String returns the environment spelling of m.
func (m DropMode) String() string {
	switch m {
	case DropModeDropNewest:
		return "drop_newest"
	case DropModeDropOldest:
		return "drop_oldest"
	default:
		return "block"
	}
}

// ErrFlushTimeout indicates Close returned before the queue was fully drained.
var ErrFlushTimeout = errors.New("accesslogasync: flush timeout")

// DropHandler observes dropped events.
type DropHandler func(ctx context.Context, ev accesslog.Event)

// Config controls async sink behaviour.
type Config struct {
	Enabled      bool
	QueueSize    int
	WorkerCount  int
	BatchSize    int
	DropMode     DropMode
	OnDrop       DropHandler
	ErrorWriter  io.Writer
	FlushTimeout time.Duration

	workerStarter func(func())
}

// Option customizes async sink configuration.
type Option func(*Config)

// WithEnabled toggles the async wrapper on or off.
func WithEnabled(enabled bool) Option {
	return func(cfg *Config) {
		cfg.Enabled = enabled
	}
}

// WithQueueSize sets how many events may wait for a worker. Finish events of
// invocations whose start was queued are admitted beyond it. Values less than
// 1 use the default.
func WithQueueSize(size int) Option {
	return func(cfg *Config) {
		cfg.QueueSize = size
	}
}

// WithWorkerCount configures the number of worker goroutines.
func WithWorkerCount(count int) Option {
	return func(cfg *Config) {
		cfg.WorkerCount = count
	}
}

// WithBatchSize sets how many queued events a worker drains per wake-up.
// Values less than 1 default to 1.
func WithBatchSize(size int) Option {
	return func(cfg *Config) {
		cfg.BatchSize = size
	}
}

// WithDropMode sets the queue overflow strategy.
func WithDropMode(mode DropMode) Option {
	return func(cfg *Config) {
		cfg.DropMode = mode
	}
}

// WithOnDrop registers a callback invoked for every dropped event, start and
// finish alike.
func WithOnDrop(fn DropHandler) Option {
	return func(cfg *Config) {
		cfg.OnDrop = fn
	}
}

// WithErrorWriter directs recovered sink panics to w. Use nil to silence
// error reporting.
func WithErrorWriter(w io.Writer) Option {
	return func(cfg *Config) {
		cfg.ErrorWriter = w
	}
}

// WithFlushTimeout limits how long Close waits for workers to finish.
func WithFlushTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		cfg.FlushTimeout = timeout
	}
}

// WithEnv overlays configuration from environment variables.
func WithEnv() Option {
	return func(cfg *Config) {
		applyEnv(cfg)
	}
}

// ParseDropMode reads the spellings accepted by ACCESSLOG_ASYNC_DROP_MODE.
func ParseDropMode(raw string) (DropMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "block":
		return DropModeBlock, nil
	case "drop_newest", "drop-newest":
		return DropModeDropNewest, nil
	case "drop_oldest", "drop-oldest":
		return DropModeDropOldest, nil
	}
	return DropModeBlock, fmt.Errorf("accesslogasync: unknown drop mode %q", raw)
}

// Sink is an asynchronous accesslog.Sink wrapper.
type Sink struct {
	inner  accesslog.Sink
	queue  *queue
	onDrop DropHandler

	workers      sync.WaitGroup
	flushTimeout time.Duration
	errWriter    io.Writer
	closer       func() error
	closeOnce    sync.Once
	closeErr     error
}

type queuedEvent struct {
	ctx context.Context
	ev  accesslog.Event
}

// Wrap returns an async sink around inner, or inner itself when disabled.
// Callers that need Close should use New.
func Wrap(inner accesslog.Sink, opts ...Option) accesslog.Sink {
	cfg := buildConfig(opts)
	if !cfg.Enabled {
		return inner
	}
	return newSink(inner, cfg)
}

// New returns an async sink around inner regardless of the enabled setting.
func New(inner accesslog.Sink, opts ...Option) *Sink {
	return newSink(inner, buildConfig(opts))
}

// newSink builds a Sink and starts its workers.
func newSink(inner accesslog.Sink, cfg Config) *Sink {
	if inner == nil {
		inner = accesslog.SinkFunc(nil)
	}
	s := &Sink{
		inner:        inner,
		queue:        newQueue(cfg.QueueSize, cfg.DropMode),
		onDrop:       cfg.OnDrop,
		flushTimeout: cfg.FlushTimeout,
		errWriter:    cfg.ErrorWriter,
		closer:       closerFor(inner),
	}

	start := func() {
		s.workers.Add(cfg.WorkerCount)
		for range cfg.WorkerCount {
			go s.work(cfg.BatchSize)
		}
	}
	if cfg.workerStarter != nil {
		cfg.workerStarter(start)
	} else {
		start()
	}
	return s
}

// work delivers batches until the queue is closed and drained.
func (s *Sink) work(batchSize int) {
	defer s.workers.Done()
	for {
		batch, ok := s.queue.take(batchSize)
		if !ok {
			return
		}
		for _, item := range batch {
			s.deliver(item)
		}
	}
}

// deliver hands item to the inner sink, reporting a panic instead of losing
// the worker.
func (s *Sink) deliver(item queuedEvent) {
	defer func() {
		if r := recover(); r != nil && s.errWriter != nil {
			_, _ = fmt.Fprintf(s.errWriter, "accesslogasync: recovered panic from sink: %v\n", r)
		}
	}()
	s.inner.Log(item.ctx, item.ev)
}

// Log queues ev for asynchronous delivery. After Close, events go to the
// drop handler.
func (s *Sink) Log(ctx context.Context, ev accesslog.Event) {
	if ctx == nil {
		ctx = context.Background()
	}
	item := queuedEvent{
		ctx: context.WithoutCancel(ctx),
		ev:  snapshot(ev),
	}
	for _, dropped := range s.queue.put(item) {
		if s.onDrop != nil {
			s.onDrop(dropped.ctx, dropped.ev)
		}
	}
}

// snapshot detaches ev from later changes to its invocation context.
func snapshot(ev accesslog.Event) accesslog.Event {
	ev.Context = ev.Context.Clone()
	return ev
}

// Close stops accepting events, waits for queued ones to be delivered, then
// closes the inner sink if it has a Close method. With a flush timeout,
// Close gives up waiting after it and returns ErrFlushTimeout.
func (s *Sink) Close() error {
	if s == nil || s.queue == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.queue.close()

		drained := make(chan struct{})
		go func() {
			s.workers.Wait()
			close(drained)
		}()

		var expired <-chan time.Time
		if s.flushTimeout > 0 {
			timer := time.NewTimer(s.flushTimeout)
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case <-drained:
		case <-expired:
			s.closeErr = ErrFlushTimeout
		}

		if s.closer != nil {
			s.closeErr = errors.Join(s.closeErr, s.closer())
		}
	})
	return s.closeErr
}

// closerFor extracts a Close function from inner when available.
func closerFor(inner accesslog.Sink) func() error {
	switch c := inner.(type) {
	case interface{ Close() error }:
		return c.Close
	case interface{ Close() }:
		return func() error {
			c.Close()
			return nil
		}
	}
	return nil
}

// buildConfig applies opts over the defaults and clamps invalid values.
func buildConfig(opts []Option) Config {
	cfg := Config{
		Enabled:     true,
		QueueSize:   defaultQueueSize,
		WorkerCount: 1,
		BatchSize:   1,
		DropMode:    DropModeBlock,
		ErrorWriter: os.Stderr,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = defaultQueueSize
	}
	cfg.WorkerCount = max(cfg.WorkerCount, 1)
	cfg.BatchSize = max(cfg.BatchSize, 1)
	return cfg
}

// applyEnv overlays the ACCESSLOG_ASYNC_* variables. Unparseable values
// leave the current setting alone.
func applyEnv(cfg *Config) {
	if raw, ok := lookupEnv(envAsyncEnabled); ok {
		if enabled, ok := parseToggle(raw); ok {
			cfg.Enabled = enabled
		}
	}
	if raw, ok := lookupEnv(envAsyncQueueSize); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.QueueSize = n
		}
	}
	if raw, ok := lookupEnv(envAsyncWorkers); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = n
		}
	}
	if raw, ok := lookupEnv(envAsyncDropMode); ok {
		if mode, err := ParseDropMode(raw); err == nil {
			cfg.DropMode = mode
		}
	}
	if raw, ok := lookupEnv(envAsyncFlushTimeout); ok {
		if d, err := time.ParseDuration(raw); err == nil {
			cfg.FlushTimeout = d
		}
	}
}

// lookupEnv returns the trimmed value of key when it is set and non-blank.
func lookupEnv(key string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	return raw, raw != ""
}

// parseToggle accepts the strconv.ParseBool spellings, case-insensitively,
// plus yes/on and no/off.
func parseToggle(raw string) (bool, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "yes", "on":
		return true, true
	case "no", "off":
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	return v, err == nil
}
