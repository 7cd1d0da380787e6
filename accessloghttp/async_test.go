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
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pjscruggs/accesslog"
)

// TestHandleAsyncSuccess reports the written status once the completion
// settles.
func TestHandleAsyncSuccess(t *testing.T) {
	t.Parallel()

	rec, sink := newTestRecorder()
	h := HandleAsync(AsyncHandlerFunc(func(w http.ResponseWriter, _ *http.Request) *accesslog.Completion {
		c := accesslog.NewCompletion()
		go func() {
			w.WriteHeader(http.StatusAccepted)
			c.Resolve(0)
		}()
		return c
	}), WithRecorder(rec), WithOTel(false))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/jobs/7", nil))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[1].Label != accesslog.LabelFinished || events[1].Status != http.StatusAccepted {
		t.Fatalf("finish event = %+v", events[1])
	}
	if events[0].Descriptor.Path != "/jobs/7" {
		t.Fatalf("path = %q", events[0].Descriptor.Path)
	}
}

// TestHandleAsyncFailure reports a rejected completion as a failure.
func TestHandleAsyncFailure(t *testing.T) {
	t.Parallel()

	rec, sink := newTestRecorder()
	h := HandleAsync(AsyncHandlerFunc(func(w http.ResponseWriter, _ *http.Request) *accesslog.Completion {
		w.WriteHeader(http.StatusBadGateway)
		return accesslog.Rejected(context.DeadlineExceeded)
	}), WithRecorder(rec), WithOTel(false))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	finish := events[1]
	if finish.Label != "request finished(DeadlineExceeded)" || finish.Status != accesslog.StatusError {
		t.Fatalf("finish event = %+v", finish)
	}
	if !errors.Is(finish.Err, context.DeadlineExceeded) {
		t.Fatalf("finish error = %v", finish.Err)
	}
}

// TestHandleAsyncNilCompletion treats a missing completion as a failure.
func TestHandleAsyncNilCompletion(t *testing.T) {
	t.Parallel()

	rec, sink := newTestRecorder()
	h := HandleAsync(AsyncHandlerFunc(func(http.ResponseWriter, *http.Request) *accesslog.Completion {
		return nil
	}), WithRecorder(rec), WithOTel(false))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	events := sink.snapshot()
	if len(events) != 2 || !errors.Is(events[1].Err, accesslog.ErrNoCompletion) {
		t.Fatalf("events = %+v", events)
	}
}

// lateWriter counts ResponseWriter calls made after ServeHTTP returned.
type lateWriter struct {
	mu       sync.Mutex
	header   http.Header
	returned bool
	late     int
}

func newLateWriter() *lateWriter {
	return &lateWriter{header: make(http.Header)}
}

// use records a call, counting it when it comes too late.
func (w *lateWriter) use() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.returned {
		w.late++
	}
}

func (w *lateWriter) Header() http.Header {
	w.use()
	return w.header
}

func (w *lateWriter) Write(p []byte) (int, error) {
	w.use()
	return len(p), nil
}

func (w *lateWriter) WriteHeader(int) {
	w.use()
}

// markReturned flags every later call as late.
func (w *lateWriter) markReturned() {
	w.mu.Lock()
	w.returned = true
	w.mu.Unlock()
}

func (w *lateWriter) lateCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.late
}

// TestHandleAsyncRequestCanceled returns when the request ends, keeps the
// handler's later writes away from the released writer, and still logs the
// finish event once the completion settles.
func TestHandleAsyncRequestCanceled(t *testing.T) {
	t.Parallel()

	rec, sink := newTestRecorder()
	proceed := make(chan struct{})
	finished := make(chan error, 1)
	h := HandleAsync(AsyncHandlerFunc(func(w http.ResponseWriter, _ *http.Request) *accesslog.Completion {
		c := accesslog.NewCompletion()
		go func() {
			<-proceed
			w.Header().Set("X-Late", "1")
			w.WriteHeader(http.StatusAccepted)
			_, err := w.Write([]byte("late"))
			c.Resolve(0)
			finished <- err
		}()
		return c
	}), WithRecorder(rec), WithOTel(false))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	lw := newLateWriter()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(lw, req)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("ServeHTTP did not return after cancellation")
	}
	lw.markReturned()
	if got := len(sink.snapshot()); got != 1 {
		t.Fatalf("events before completion = %d, want 1", got)
	}

	close(proceed)
	var writeErr error
	select {
	case writeErr = <-finished:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler goroutine did not finish")
	}

	if got := lw.lateCalls(); got != 0 {
		t.Fatalf("ResponseWriter used %d times after ServeHTTP returned", got)
	}
	if !errors.Is(writeErr, http.ErrHandlerTimeout) {
		t.Fatalf("late Write error = %v, want http.ErrHandlerTimeout", writeErr)
	}
	events := sink.snapshot()
	if len(events) != 2 || events[1].Status != http.StatusOK {
		t.Fatalf("events = %+v, want finish with the status actually sent", events)
	}
}

// TestAsyncWriterRecordsFirstStatus forwards writes until detached.
func TestAsyncWriterRecordsFirstStatus(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	aw := &asyncWriter{w: rr}
	aw.WriteHeader(http.StatusCreated)
	aw.WriteHeader(http.StatusTeapot)
	if _, err := aw.Write([]byte("ok")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	aw.Flush()
	aw.detach()
	aw.Header().Set("X-After", "1")

	if aw.Status() != http.StatusCreated {
		t.Fatalf("Status() = %d, want 201", aw.Status())
	}
	if rr.Header().Get("X-After") != "" {
		t.Fatalf("header set after detach reached the response")
	}
	if rr.Body.String() != "ok" || !rr.Flushed {
		t.Fatalf("body = %q flushed = %v", rr.Body.String(), rr.Flushed)
	}
}

// TestHandleAsyncDisabled runs the handler without events.
func TestHandleAsyncDisabled(t *testing.T) {
	t.Parallel()

	rec, sink := newTestRecorder(accesslog.WithGate(accesslog.NewSwitch(false)))
	called := false
	h := HandleAsync(AsyncHandlerFunc(func(http.ResponseWriter, *http.Request) *accesslog.Completion {
		called = true
		return accesslog.Resolved(http.StatusOK)
	}), WithRecorder(rec), WithOTel(false))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !called {
		t.Fatalf("handler not invoked")
	}
	if got := len(sink.snapshot()); got != 0 {
		t.Fatalf("events = %d, want 0", got)
	}
}

// TestHandleAsyncNilHandler responds with 404.
func TestHandleAsyncNilHandler(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	HandleAsync(nil, WithOTel(false)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}
