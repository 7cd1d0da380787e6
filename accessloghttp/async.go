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

package accessloghttp

import (
	"context"
	"net/http"
	"sync"

	"github.com/pjscruggs/accesslog"
)

// AsyncHandler serves a request whose outcome is reported later through a
// Completion. The handler may keep using w from any goroutine until the
// completion settles or the request context ends, whichever comes first.
// After that w is detached from the connection: writes fail with
// http.ErrHandlerTimeout and nothing reaches the client. A completion
// resolved with a status of zero or less reports the status written to w
// while it was attached, or 200 when nothing was written.
type AsyncHandler interface {
	ServeHTTPAsync(w http.ResponseWriter, r *http.Request) *accesslog.Completion
}

// AsyncHandlerFunc adapts a function to AsyncHandler.
type AsyncHandlerFunc func(w http.ResponseWriter, r *http.Request) *accesslog.Completion

// ServeHTTPAsync calls f(w, r).
func (f AsyncHandlerFunc) ServeHTTPAsync(w http.ResponseWriter, r *http.Request) *accesslog.Completion {
	return f(w, r)
}

// HandleAsync adapts h into an http.Handler running the inbound chain with
// the deferred access log stage. ServeHTTP returns once the completion settles
// or the request context ends, whichever comes first; the finish event is
// emitted when the completion settles either way.
func HandleAsync(h AsyncHandler, opts ...Option) http.Handler {
	cfg := applyOptions(opts)
	chain := assemble(accesslog.InboundStages, map[accesslog.Stage]func(http.Handler) http.Handler{
		accesslog.StageInvocationContext: contextMiddleware(cfg),
		accesslog.StageAccessLog:         asyncAccessLogMiddleware(cfg, h),
	})
	return wrapWithOTel(cfg, chain(http.NotFoundHandler()))
}

// asyncAccessLogMiddleware is the deferred access log stage. It terminates
// the chain, so next is ignored.
func asyncAccessLogMiddleware(cfg *config, h AsyncHandler) func(http.Handler) http.Handler {
	return func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h == nil {
				http.NotFound(w, r)
				return
			}
			aw := &asyncWriter{w: w}
			defer aw.detach()

			rec := cfg.recorder
			if !rec.Enabled() {
				awaitCompletion(r.Context(), h.ServeHTTPAsync(aw, r))
				return
			}

			ctx, ic := accesslog.InboundInvocation(r.Context(), cfg.strictContext)
			ctx, inv := rec.Start(ctx, inboundDescriptor(r, ic))
			r = r.WithContext(ctx)

			out := inv.Defer(ctx, func(context.Context) *accesslog.Completion {
				return withWrittenStatus(h.ServeHTTPAsync(aw, r), aw)
			})
			awaitCompletion(ctx, out)
		})
	}
}

// withWrittenStatus substitutes the status recorded on aw when src resolves
// without one.
func withWrittenStatus(src *accesslog.Completion, aw *asyncWriter) *accesslog.Completion {
	if src == nil {
		return nil
	}
	out := accesslog.NewCompletion()
	src.OnComplete(func(status int, err error) {
		if err != nil {
			out.Reject(err)
			return
		}
		if status <= 0 {
			status = aw.Status()
		}
		out.Resolve(status)
	})
	return out
}

// awaitCompletion blocks until c settles or ctx ends.
func awaitCompletion(ctx context.Context, c *accesslog.Completion) {
	if c == nil {
		return
	}
	_, _ = c.Wait(ctx)
}

// asyncWriter is the ResponseWriter handed to an AsyncHandler. It serializes
// use from the handler's goroutines and ignores every call once detached,
// since net/http reclaims the underlying writer when ServeHTTP returns.
type asyncWriter struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	header   http.Header
	status   int
	detached bool
}

// Header returns the response headers, or a scratch map once detached.
func (aw *asyncWriter) Header() http.Header {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.detached {
		if aw.header == nil {
			aw.header = make(http.Header)
		}
		return aw.header
	}
	return aw.w.Header()
}

// WriteHeader records the first status and forwards it while attached.
func (aw *asyncWriter) WriteHeader(status int) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.detached {
		return
	}
	if aw.status == 0 {
		aw.status = status
	}
	aw.w.WriteHeader(status)
}

// Write forwards p while attached and fails with http.ErrHandlerTimeout
// afterwards.
func (aw *asyncWriter) Write(p []byte) (int, error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.detached {
		return 0, http.ErrHandlerTimeout
	}
	if aw.status == 0 {
		aw.status = http.StatusOK
	}
	return aw.w.Write(p)
}

// Flush forwards to the underlying writer while attached.
func (aw *asyncWriter) Flush() {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.detached {
		return
	}
	if f, ok := aw.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Status returns the status sent while attached, 200 when nothing was sent.
func (aw *asyncWriter) Status() int {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.status == 0 {
		return http.StatusOK
	}
	return aw.status
}

// detach cuts aw off from the underlying writer.
func (aw *asyncWriter) detach() {
	aw.mu.Lock()
	aw.detached = true
	aw.mu.Unlock()
}
