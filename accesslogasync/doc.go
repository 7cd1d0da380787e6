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

// Package accesslogasync moves access log emission off the request path. It
// wraps an [accesslog.Sink] with a bounded queue drained by worker
// goroutines, so a slow sink never adds latency to the invocation it reports
// on.
//
// Basic usage:
//
//	sink := accesslogasync.New(accesslog.NewSlogSink(),
//		accesslogasync.WithQueueSize(4096),
//		accesslogasync.WithDropMode(accesslogasync.DropModeDropNewest),
//	)
//	defer sink.Close()
//	rec := accesslog.New(sink)
//
// Environment-driven opt-in:
//
//	sink := accesslogasync.Wrap(accesslog.NewSlogSink(),
//		accesslogasync.WithEnabled(false), // stay synchronous by default
//		accesslogasync.WithEnv(),          // enable/size via ACCESSLOG_ASYNC_* vars
//	)
//
// The following environment variables are recognized when [WithEnv] is
// supplied:
//   - ACCESSLOG_ASYNC_ENABLED: true/false to toggle the wrapper
//   - ACCESSLOG_ASYNC_QUEUE_SIZE: queue capacity
//   - ACCESSLOG_ASYNC_DROP_MODE: block | drop_newest | drop_oldest
//   - ACCESSLOG_ASYNC_WORKERS: number of worker goroutines
//   - ACCESSLOG_ASYNC_FLUSH_TIMEOUT: duration string used by Close
//
// The queue never separates the two events of an invocation. When a drop
// mode discards a start event, the matching finish event is discarded too,
// and a finish whose start was queued is always delivered. Sinks that pair
// events, such as an in-flight gauge, stay balanced under load shedding.
//
// Events are queued with a snapshot of their invocation context and a context
// detached from request cancellation, so late-running workers report what the
// invocation looked like when the event was recorded.
package accesslogasync
