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

package accessloggrpc

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pjscruggs/accesslog"
)

type metadataCarrier struct {
	metadata.MD
}

// Get returns the first value for the provided metadata key.
func (mc metadataCarrier) Get(key string) string {
	values := mc.MD.Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Set stores the value under the provided metadata key.
func (mc metadataCarrier) Set(key string, value string) {
	mc.MD.Set(key, value)
}

// Keys reports all metadata keys present in the carrier.
func (mc metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(mc.MD))
	for k := range mc.MD {
		keys = append(keys, k)
	}
	return keys
}

// ErrorKind names RPC failures by their gRPC status code, falling back to
// accesslog.ErrorKind for errors that carry no status or an Unknown one.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) {
		if code := se.GRPCStatus().Code(); code != codes.Unknown && code != codes.OK {
			return code.String()
		}
	}
	return accesslog.ErrorKind(err)
}

// propagator resolves the configured or global propagator. A nil result means
// propagation has been switched off.
func propagator(cfg *config) propagation.TextMapPropagator {
	if !cfg.propagateTrace {
		return nil
	}
	if cfg.propagatorsSet {
		return cfg.propagators
	}
	return otel.GetTextMapPropagator()
}

// ensureServerSpanContext extracts a remote span context from incoming
// metadata unless ctx already carries a valid one.
func ensureServerSpanContext(ctx context.Context, md metadata.MD, cfg *config) context.Context {
	if trace.SpanContextFromContext(ctx).IsValid() {
		return ctx
	}
	p := propagator(cfg)
	if p == nil {
		return ctx
	}
	extracted := p.Extract(ctx, metadataCarrier{md})
	if trace.SpanContextFromContext(extracted).IsValid() {
		return extracted
	}
	return ctx
}

// injectOutgoing copies the outgoing metadata and writes the invocation
// context and trace headers into it.
func injectOutgoing(ctx context.Context, cfg *config) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		md = metadata.New(nil)
	} else {
		md = md.Copy()
	}
	carrier := metadataCarrier{md}
	if ic, ok := accesslog.InvocationFromContext(ctx); ok {
		if err := accesslog.InjectInvocation(ic, carrier); err != nil {
			accesslog.Logger(ctx).WarnContext(ctx, "dropping invocation context metadata", "error", err)
		}
	}
	if p := propagator(cfg); p != nil {
		p.Inject(ctx, carrier)
	}
	return metadata.NewOutgoingContext(ctx, md)
}
