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

// Package accessloggrpc provides gRPC interceptors that emit accesslog start
// and finish events around every RPC.
//
// Server interceptors decode the caller's x-invocation-context metadata into
// an [accesslog.InvocationContext] and then log the call; client interceptors
// derive a per-call context, stamp the local service name, log the call and
// forward the context in outgoing metadata. Successful RPCs report status 200
// and failures are labelled with their gRPC status code name. The stream
// client interceptor uses the deferred adapter: its finish event fires when
// the stream ends, not when the stream is opened.
//
// Convenience helpers are available:
//
//   - [UnaryServerInterceptor] and [StreamServerInterceptor]
//   - [UnaryClientInterceptor] and [StreamClientInterceptor]
//   - [ServerOptions] and [DialOptions], which bundle otelgrpc handlers together
//     with the interceptors for easy registration.
//
// Typical usage:
//
//	rec := accesslog.New(accesslog.NewSlogSink(), accesslog.WithErrorKind(accessloggrpc.ErrorKind))
//	server := grpc.NewServer(accessloggrpc.ServerOptions(accessloggrpc.WithRecorder(rec))...)
//	conn, err := grpc.NewClient(target, accessloggrpc.DialOptions(accessloggrpc.WithRecorder(rec))...)
package accessloggrpc
