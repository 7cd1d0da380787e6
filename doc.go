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

// Package accesslog emits paired access log events around request execution.
//
// A [Recorder] wraps exactly one delegated execution: it emits a start event
// ("request starting", status 0, elapsed 0), runs the delegate, and emits a
// finish event carrying either the delegate's status ("request finished") or
// its failure ("request finished(<kind>)", status -1). The delegate's result
// is returned unchanged, errors included. When the configured [Gate] reports
// logging as disabled the delegate runs directly and no events are emitted.
//
// Two adapters share that contract:
//   - [Recorder.Do] and [Call] wrap blocking delegates.
//   - [Recorder.Defer] wraps delegates that return a [Completion]; the finish
//     event fires when the completion settles, on the settling goroutine.
//
// Request-scoped trace fields travel in an [InvocationContext] carried by
// [context.Context] ([ContextWithInvocation], [InvocationFromContext],
// [EnsureInvocation]) and serialized across hops in the
// x-invocation-context header.
//
// Chain order is declared once in [InboundStages] and [OutboundStages];
// transport packages assemble their middleware with [Assemble].
//
// # Subpackages
//
//   - [github.com/pjscruggs/accesslog/accessloghttp] provides net/http
//     middleware and an http.RoundTripper.
//   - [github.com/pjscruggs/accesslog/accessloggrpc] provides gRPC client and
//     server interceptors.
//   - [github.com/pjscruggs/accesslog/accesslogasync] moves sink work off the
//     request path.
//   - [github.com/pjscruggs/accesslog/accesslogmetrics] records events as
//     Prometheus metrics.
//   - [github.com/pjscruggs/accesslog/accesslogconfig] loads and hot-reloads
//     the enabled flag from a YAML or JSON file.
//
// # Quick Start
//
//	sink := accesslog.NewSlogSink(accesslog.WithSinkLogger(slog.Default()))
//	rec := accesslog.New(sink, accesslog.WithGate(accesslog.NewSwitchFromEnv(true)))
//
//	mux := http.NewServeMux()
//	handler := accessloghttp.Handler(mux, accessloghttp.WithRecorder(rec))
//	client := &http.Client{Transport: accessloghttp.Transport(nil, accessloghttp.WithRecorder(rec))}
package accesslog
