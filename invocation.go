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
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ContextMicroserviceName holds the name of the calling microservice.
	ContextMicroserviceName = "x-cse-src-microservice"
	// ContextTraceID holds the trace identifier shared by every hop of a request.
	ContextTraceID = "X-B3-TraceId"

	// InvocationContextHeader is the header (or gRPC metadata key) used to carry
	// the JSON-encoded invocation context between services.
	InvocationContextHeader = "x-invocation-context"
)

// InvocationContext is a request-scoped bag of trace and correlation fields.
// It is safe for concurrent use: upstream stages may add fields while the
// access log stage reads them.
type InvocationContext struct {
	mu          sync.RWMutex
	fields      map[string]string
	placeholder bool
}

// NewInvocationContext returns an empty invocation context.
func NewInvocationContext() *InvocationContext {
	return &InvocationContext{fields: make(map[string]string)}
}

// NewPlaceholderInvocationContext returns an empty invocation context flagged
// as a stand-in for one that should have been established earlier.
func NewPlaceholderInvocationContext() *InvocationContext {
	ic := NewInvocationContext()
	ic.placeholder = true
	return ic
}

// Get returns the value stored under key, or "" when absent.
func (ic *InvocationContext) Get(key string) string {
	if ic == nil {
		return ""
	}
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return ic.fields[key]
}

// Lookup reports the value stored under key and whether it was present.
func (ic *InvocationContext) Lookup(key string) (string, bool) {
	if ic == nil {
		return "", false
	}
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	v, ok := ic.fields[key]
	return v, ok
}

// Set stores value under key. Empty keys are ignored.
func (ic *InvocationContext) Set(key, value string) {
	if ic == nil || key == "" {
		return
	}
	ic.mu.Lock()
	ic.fields[key] = value
	ic.mu.Unlock()
}

// SetIfAbsent stores value under key unless a value already exists.
func (ic *InvocationContext) SetIfAbsent(key, value string) {
	if ic == nil || key == "" {
		return
	}
	ic.mu.Lock()
	if _, ok := ic.fields[key]; !ok {
		ic.fields[key] = value
	}
	ic.mu.Unlock()
}

// Merge copies every field of src that ic does not already hold.
func (ic *InvocationContext) Merge(src map[string]string) {
	if ic == nil || len(src) == 0 {
		return
	}
	ic.mu.Lock()
	for k, v := range src {
		if k == "" {
			continue
		}
		if _, ok := ic.fields[k]; !ok {
			ic.fields[k] = v
		}
	}
	ic.mu.Unlock()
}

// Fields returns a copy of all fields.
func (ic *InvocationContext) Fields() map[string]string {
	if ic == nil {
		return map[string]string{}
	}
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return maps.Clone(ic.fields)
}

// Clone returns an independent copy of ic, keeping the placeholder flag.
func (ic *InvocationContext) Clone() *InvocationContext {
	if ic == nil {
		return nil
	}
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return &InvocationContext{fields: maps.Clone(ic.fields), placeholder: ic.placeholder}
}

// Len reports the number of stored fields.
func (ic *InvocationContext) Len() int {
	if ic == nil {
		return 0
	}
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return len(ic.fields)
}

// Microservice returns the calling microservice name, if known.
func (ic *InvocationContext) Microservice() string {
	return ic.Get(ContextMicroserviceName)
}

// TraceID returns the trace identifier, if known.
func (ic *InvocationContext) TraceID() string {
	return ic.Get(ContextTraceID)
}

// Placeholder reports whether ic was synthesized because no context had been
// established upstream.
func (ic *InvocationContext) Placeholder() bool {
	return ic != nil && ic.placeholder
}

// EnsureTraceID fills ContextTraceID from the active span, falling back to a
// random identifier when the request carries no valid span context.
func (ic *InvocationContext) EnsureTraceID(ctx context.Context) {
	if ic == nil || ic.TraceID() != "" {
		return
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ic.SetIfAbsent(ContextTraceID, sc.TraceID().String())
		return
	}
	ic.SetIfAbsent(ContextTraceID, strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Encode serializes the fields for transport in InvocationContextHeader.
func (ic *InvocationContext) Encode() (string, error) {
	fields := ic.Fields()
	if len(fields) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode invocation context: %w", err)
	}
	return string(raw), nil
}

// DecodeInvocationContext parses a header value produced by Encode.
func DecodeInvocationContext(value string) (*InvocationContext, error) {
	ic := NewInvocationContext()
	value = strings.TrimSpace(value)
	if value == "" {
		return ic, nil
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(value), &fields); err != nil {
		return nil, fmt.Errorf("decode invocation context: %w", err)
	}
	ic.Merge(fields)
	return ic, nil
}
