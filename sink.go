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
	"log/slog"
	"slices"
)

// Sink receives access log events. Log must not block for long and must not
// panic; failures inside a sink are the sink's own concern.
type Sink interface {
	Log(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event)

// Log calls f.
func (f SinkFunc) Log(ctx context.Context, ev Event) {
	if f != nil {
		f(ctx, ev)
	}
}

// MultiSink fans every event out to each member in order.
type MultiSink []Sink

// Log forwards ev to every non-nil sink.
func (m MultiSink) Log(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Log(ctx, ev)
		}
	}
}

// SlogSink writes events as structured log/slog records.
type SlogSink struct {
	logger       *slog.Logger
	level        slog.Level
	failureLevel slog.Level
}

// SlogOption configures a SlogSink.
type SlogOption func(*SlogSink)

// WithSinkLogger sets the logger records are written to. When unset, the
// logger stored in the request context (see Logger) is used.
func WithSinkLogger(logger *slog.Logger) SlogOption {
	return func(s *SlogSink) {
		s.logger = logger
	}
}

// WithSinkLevels sets the levels used for start/finish and failure records.
func WithSinkLevels(level, failure slog.Level) SlogOption {
	return func(s *SlogSink) {
		s.level = level
		s.failureLevel = failure
	}
}

// NewSlogSink returns a Sink that logs at Info, and at Warn for failures.
func NewSlogSink(opts ...SlogOption) *SlogSink {
	s := &SlogSink{
		level:        slog.LevelInfo,
		failureLevel: slog.LevelWarn,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Log writes ev as a single record whose message is the event label.
func (s *SlogSink) Log(ctx context.Context, ev Event) {
	logger := s.logger
	if logger == nil {
		logger = Logger(ctx)
	}
	level := s.level
	if ev.Phase == PhaseFailure {
		level = s.failureLevel
	}
	if !logger.Enabled(ctx, level) {
		return
	}
	logger.LogAttrs(ctx, level, ev.Label, EventAttrs(ev)...)
}

// EventAttrs returns the structured attributes describing ev. Source and
// target are omitted when empty; invocation fields are grouped under
// "invocation" in key order.
func EventAttrs(ev Event) []slog.Attr {
	d := ev.Descriptor
	attrs := make([]slog.Attr, 0, 10)
	attrs = append(attrs,
		slog.String("accesslog.phase", ev.Phase.String()),
		slog.String("accesslog.direction", d.Direction.String()),
	)
	if d.Protocol != "" {
		attrs = append(attrs, slog.String("accesslog.protocol", d.Protocol))
	}
	if d.Method != "" {
		attrs = append(attrs, slog.String("http.method", d.Method))
	}
	attrs = append(attrs, slog.String("http.target", d.Path))
	if d.Source != "" {
		attrs = append(attrs, slog.String("source", d.Source))
	}
	if d.Target != "" {
		attrs = append(attrs, slog.String("target", d.Target))
	}
	attrs = append(attrs,
		slog.Int("http.status_code", ev.Status),
		slog.Int64("accesslog.elapsed_ms", ev.ElapsedMillis()),
	)
	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}
	if fields := ev.Context.Fields(); len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		group := make([]any, 0, len(keys))
		for _, k := range keys {
			group = append(group, slog.String(k, fields[k]))
		}
		attrs = append(attrs, slog.Group("invocation", group...))
	}
	return attrs
}
