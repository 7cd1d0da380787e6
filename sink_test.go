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

package accesslog_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pjscruggs/accesslog"
)

// decodeLines parses newline-delimited JSON log output.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

// TestSlogSinkWritesStructuredRecords checks messages, levels and attributes.
func TestSlogSinkWritesStructuredRecords(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := accesslog.NewSlogSink(accesslog.WithSinkLogger(logger))

	ic := accesslog.NewInvocationContext()
	ic.Set(accesslog.ContextMicroserviceName, "gateway")
	desc := accesslog.Descriptor{Direction: accesslog.Inbound, Protocol: "http", Method: "POST", Path: "/pay", Source: "gateway"}

	sink.Log(context.Background(), accesslog.Event{Context: ic, Phase: accesslog.PhaseStart, Label: accesslog.LabelStarting, Descriptor: desc})
	sink.Log(context.Background(), accesslog.Event{
		Context:    ic,
		Phase:      accesslog.PhaseFailure,
		Label:      accesslog.FailureLabel("ConnectTimeout"),
		Descriptor: desc,
		Status:     accesslog.StatusError,
		Elapsed:    5 * time.Millisecond,
		Err:        errors.New("dial tcp: i/o timeout"),
	})

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d records, want 2", len(entries))
	}
	start, failure := entries[0], entries[1]
	if start["msg"] != "request starting" || start["level"] != "INFO" {
		t.Fatalf("start record = %v", start)
	}
	if start["http.target"] != "/pay" || start["source"] != "gateway" || start["accesslog.direction"] != "inbound" {
		t.Fatalf("start attributes = %v", start)
	}
	if _, ok := start["target"]; ok {
		t.Fatalf("empty target should be omitted")
	}
	if failure["msg"] != "request finished(ConnectTimeout)" || failure["level"] != "WARN" {
		t.Fatalf("failure record = %v", failure)
	}
	if failure["http.status_code"] != float64(-1) || failure["accesslog.elapsed_ms"] != float64(5) {
		t.Fatalf("failure metrics = %v", failure)
	}
	if failure["error"] != "dial tcp: i/o timeout" {
		t.Fatalf("failure error = %v", failure["error"])
	}
	group, ok := failure["invocation"].(map[string]any)
	if !ok || group[accesslog.ContextMicroserviceName] != "gateway" {
		t.Fatalf("invocation group = %v", failure["invocation"])
	}
}

// TestSlogSinkUsesContextLogger verifies the request-scoped logger fallback.
func TestSlogSinkUsesContextLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx := accesslog.ContextWithLogger(context.Background(), logger)

	accesslog.NewSlogSink().Log(ctx, accesslog.Event{Phase: accesslog.PhaseFinish, Label: accesslog.LabelFinished, Status: 200})
	if entries := decodeLines(t, &buf); len(entries) != 1 || entries[0]["http.status_code"] != float64(200) {
		t.Fatalf("entries = %v", entries)
	}
}

// TestSlogSinkRespectsLevels ensures disabled levels are skipped.
func TestSlogSinkRespectsLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	sink := accesslog.NewSlogSink(accesslog.WithSinkLogger(logger), accesslog.WithSinkLevels(slog.LevelDebug, slog.LevelError))

	sink.Log(context.Background(), accesslog.Event{Phase: accesslog.PhaseStart, Label: accesslog.LabelStarting})
	sink.Log(context.Background(), accesslog.Event{Phase: accesslog.PhaseFailure, Label: accesslog.FailureLabel("x"), Status: -1})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 || entries[0]["level"] != "ERROR" {
		t.Fatalf("entries = %v", entries)
	}
}

// TestMultiSinkFansOut checks every member receives the event.
func TestMultiSinkFansOut(t *testing.T) {
	t.Parallel()

	a, b := &recordingSink{}, &recordingSink{}
	var funcCalls int
	multi := accesslog.MultiSink{a, nil, b, accesslog.SinkFunc(func(context.Context, accesslog.Event) { funcCalls++ })}
	multi.Log(context.Background(), accesslog.Event{Label: "x"})

	if len(a.Events()) != 1 || len(b.Events()) != 1 || funcCalls != 1 {
		t.Fatalf("fan out counts = %d, %d, %d", len(a.Events()), len(b.Events()), funcCalls)
	}
	accesslog.SinkFunc(nil).Log(context.Background(), accesslog.Event{})
}
