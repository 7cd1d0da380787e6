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

// Package accessloghttp provides net/http integration for accesslog.
//
// Handler wraps an http.Handler with the inbound chain: a stage that decodes
// the caller's x-invocation-context header into an
// accesslog.InvocationContext, then the access log stage that emits
// "request starting" and "request finished" events around the handler.
// HandleAsync does the same for handlers that complete through an
// accesslog.Completion. Transport wraps an http.RoundTripper with the
// outbound chain, which also stamps the local service name and forwards the
// invocation context to the callee.
//
//	rec := accesslog.New(accesslog.NewSlogSink())
//	srv := &http.Server{Handler: accessloghttp.Handler(mux, accessloghttp.WithRecorder(rec))}
//	client := &http.Client{Transport: accessloghttp.Transport(nil, accessloghttp.WithRecorder(rec))}
package accessloghttp
