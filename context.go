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
	"errors"
	"log/slog"
)

// ErrMissingInvocation reports that an inbound access-log stage ran without an
// invocation context having been established earlier in the chain.
var ErrMissingInvocation = errors.New("accesslog: no invocation context established upstream")

type contextKey int

const (
	loggerContextKey contextKey = iota
	invocationContextKey
)

// ContextWithLogger returns a child context that stores logger so handlers can
// retrieve a request-scoped logger later in the call chain.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if ctx == nil || logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger retrieves a logger stored in ctx via ContextWithLogger. If no logger
// is found, slog.Default() is returned to ensure callers always receive a
// usable logger.
func Logger(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if logger, ok := ctx.Value(loggerContextKey).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// ContextWithInvocation returns a child context carrying ic. Stages later in
// the chain read it back with InvocationFromContext.
func ContextWithInvocation(ctx context.Context, ic *InvocationContext) context.Context {
	if ctx == nil || ic == nil {
		return ctx
	}
	return context.WithValue(ctx, invocationContextKey, ic)
}

// InvocationFromContext returns the invocation context stored in ctx.
func InvocationFromContext(ctx context.Context) (*InvocationContext, bool) {
	if ctx == nil {
		return nil, false
	}
	ic, ok := ctx.Value(invocationContextKey).(*InvocationContext)
	return ic, ok && ic != nil
}

// EnsureInvocation returns the invocation context carried by ctx, creating and
// attaching a fresh one when none is present. The returned context always
// carries the returned invocation context.
func EnsureInvocation(ctx context.Context) (context.Context, *InvocationContext) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ic, ok := InvocationFromContext(ctx); ok {
		return ctx, ic
	}
	ic := NewInvocationContext()
	ic.EnsureTraceID(ctx)
	return ContextWithInvocation(ctx, ic), ic
}

// InboundInvocation returns the invocation context established by an earlier
// inbound stage. When none is present and strict is false, a placeholder
// context is attached instead; when strict is true it panics with
// ErrMissingInvocation.
func InboundInvocation(ctx context.Context, strict bool) (context.Context, *InvocationContext) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ic, ok := InvocationFromContext(ctx); ok {
		return ctx, ic
	}
	if strict {
		panic(ErrMissingInvocation)
	}
	ic := NewPlaceholderInvocationContext()
	ic.EnsureTraceID(ctx)
	return ContextWithInvocation(ctx, ic), ic
}
