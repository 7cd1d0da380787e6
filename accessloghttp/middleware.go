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
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/pjscruggs/accesslog"
)

const instrumentationName = "github.com/pjscruggs/accesslog/accessloghttp"

const protocolHTTP = "http"

// Handler wraps next with the full inbound chain: the invocation context
// stage followed by the access log stage, in accesslog.InboundStages order,
// optionally inside an otelhttp handler.
func Handler(next http.Handler, opts ...Option) http.Handler {
	cfg := applyOptions(opts)
	if next == nil {
		next = http.NotFoundHandler()
	}

	chain := assemble(accesslog.InboundStages, map[accesslog.Stage]func(http.Handler) http.Handler{
		accesslog.StageInvocationContext: contextMiddleware(cfg),
		accesslog.StageAccessLog:         accessLogMiddleware(cfg),
	})
	return wrapWithOTel(cfg, chain(next))
}

// assemble orders stage middleware so the first stage in order runs
// outermost.
func assemble(order []accesslog.Stage, stages map[accesslog.Stage]func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	ordered, err := accesslog.Assemble(order, stages)
	if err != nil {
		panic(fmt.Sprintf("accessloghttp: %v", err))
	}
	return func(h http.Handler) http.Handler {
		for i := len(ordered) - 1; i >= 0; i-- {
			h = ordered[i](h)
		}
		return h
	}
}

// ContextMiddleware returns the inbound invocation context stage on its own.
// It extracts trace context, decodes the caller's x-invocation-context header
// and attaches the resulting accesslog.InvocationContext to the request.
func ContextMiddleware(opts ...Option) func(http.Handler) http.Handler {
	return contextMiddleware(applyOptions(opts))
}

// Middleware returns the inbound access log stage on its own. It expects
// ContextMiddleware, or an equivalent stage, to run first.
func Middleware(opts ...Option) func(http.Handler) http.Handler {
	return accessLogMiddleware(applyOptions(opts))
}

// contextMiddleware builds the invocation context stage.
func contextMiddleware(cfg *config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, _ := ensureSpanContext(r.Context(), r, cfg)
			ic := inboundInvocation(r, cfg)
			ic.EnsureTraceID(ctx)
			next.ServeHTTP(w, r.WithContext(accesslog.ContextWithInvocation(ctx, ic)))
		})
	}
}

// inboundInvocation decodes the caller's invocation context. Missing or
// malformed headers start a fresh context.
func inboundInvocation(r *http.Request, cfg *config) *accesslog.InvocationContext {
	if cfg.trustInvocation {
		ic, err := accesslog.ExtractInvocation(propagation.HeaderCarrier(r.Header))
		if err == nil && ic != nil {
			return ic
		}
	}
	return accesslog.NewInvocationContext()
}

// accessLogMiddleware builds the access log stage.
func accessLogMiddleware(cfg *config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.NotFoundHandler()
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := cfg.recorder
			if !rec.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			ctx, ic := accesslog.InboundInvocation(r.Context(), cfg.strictContext)
			ctx, inv := rec.Start(ctx, inboundDescriptor(r, ic))
			r = r.WithContext(ctx)

			wrapped := wrapResponseWriter(w)
			_, _ = inv.Do(ctx, func(context.Context) (int, error) {
				next.ServeHTTP(wrapped, r)
				return wrapped.Status(), nil
			})
		})
	}
}

// inboundDescriptor snapshots r. The source is the calling microservice when
// the invocation context names one, otherwise the remote host.
func inboundDescriptor(r *http.Request, ic *accesslog.InvocationContext) accesslog.Descriptor {
	source := ic.Microservice()
	if source == "" {
		source = extractIP(r.RemoteAddr)
	}
	path := ""
	if r.URL != nil {
		path = r.URL.Path
	}
	return accesslog.Descriptor{
		Direction: accesslog.Inbound,
		Protocol:  protocolHTTP,
		Method:    r.Method,
		Path:      path,
		Source:    source,
	}
}

// wrapWithOTel wraps handler with otelhttp middleware when enabled.
func wrapWithOTel(cfg *config, handler http.Handler) http.Handler {
	if !cfg.enableOTel {
		return handler
	}

	return otelhttp.NewHandler(handler, instrumentationName, otelOptions(cfg)...)
}

// otelOptions builds OpenTelemetry handler and transport options from
// configuration.
func otelOptions(cfg *config) []otelhttp.Option {
	var otelOpts []otelhttp.Option
	if cfg.tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(cfg.tracerProvider))
	}
	if cfg.propagateTrace {
		if cfg.propagatorsSet && cfg.propagators != nil {
			otelOpts = append(otelOpts, otelhttp.WithPropagators(cfg.propagators))
		}
	} else {
		otelOpts = append(otelOpts, otelhttp.WithPropagators(noopPropagator{}))
	}
	if cfg.publicEndpoint {
		otelOpts = append(otelOpts, otelhttp.WithPublicEndpointFn(func(*http.Request) bool {
			return true
		}))
	}
	if cfg.spanNameFormatter != nil {
		otelOpts = append(otelOpts, otelhttp.WithSpanNameFormatter(cfg.spanNameFormatter))
	}
	for _, filter := range cfg.filters {
		otelOpts = append(otelOpts, otelhttp.WithFilter(filter))
	}
	return otelOpts
}

type noopPropagator struct{}

// Inject is a no-op.
func (noopPropagator) Inject(context.Context, propagation.TextMapCarrier) {}

// Extract returns the provided context unchanged.
func (noopPropagator) Extract(ctx context.Context, _ propagation.TextMapCarrier) context.Context {
	return ctx
}

// Fields reports no injected fields.
func (noopPropagator) Fields() []string { return nil }

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

// ensureSpanContext returns ctx unchanged when it already carries a valid span
// context and otherwise extracts one from the request headers.
func ensureSpanContext(ctx context.Context, r *http.Request, cfg *config) (context.Context, trace.SpanContext) {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() || r == nil {
		return ctx, sc
	}
	p := propagator(cfg)
	if p == nil {
		return ctx, sc
	}

	extracted := p.Extract(ctx, propagation.HeaderCarrier(r.Header))
	if esc := trace.SpanContextFromContext(extracted); esc.IsValid() {
		return extracted, esc
	}
	return ctx, sc
}

// extractIP strips the port from a host:port string and returns the host
// component.
func extractIP(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// responseRecorder captures the status written by the wrapped handler while
// forwarding the optional ResponseWriter interfaces.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

// wrapResponseWriter decorates w to capture the response status.
func wrapResponseWriter(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w}
}

// WriteHeader records the status code before delegating to the wrapped writer.
func (rr *responseRecorder) WriteHeader(status int) {
	if !rr.wroteHeader {
		rr.status = status
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(status)
}

// Write forwards the call to the underlying writer, implying a 200 status.
func (rr *responseRecorder) Write(p []byte) (int, error) {
	if !rr.wroteHeader {
		rr.WriteHeader(http.StatusOK)
	}
	n, err := rr.ResponseWriter.Write(p)
	if err != nil {
		return n, fmt.Errorf("write response body: %w", err)
	}
	return n, nil
}

// ReadFrom streams data from src to the underlying writer.
func (rr *responseRecorder) ReadFrom(src io.Reader) (int64, error) {
	if !rr.wroteHeader {
		rr.WriteHeader(http.StatusOK)
	}
	if rf, ok := rr.ResponseWriter.(io.ReaderFrom); ok {
		n, err := rf.ReadFrom(src)
		if err != nil {
			return n, fmt.Errorf("read from body: %w", err)
		}
		return n, nil
	}
	n, err := io.Copy(rr.ResponseWriter, src)
	if err != nil {
		return n, fmt.Errorf("copy response body: %w", err)
	}
	return n, nil
}

// Status returns the HTTP status code written to the client, 200 when the
// handler wrote nothing.
func (rr *responseRecorder) Status() int {
	if rr.status == 0 {
		return http.StatusOK
	}
	return rr.status
}

// Written reports whether a status line has been sent.
func (rr *responseRecorder) Written() bool {
	return rr.wroteHeader
}

// Unwrap exposes the underlying ResponseWriter for http.ResponseController.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// Flush forwards the flush request to the underlying ResponseWriter when supported.
func (rr *responseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack delegates to the wrapped Hijacker when supported, otherwise returns http.ErrNotSupported.
func (rr *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rr.ResponseWriter.(http.Hijacker); ok {
		conn, rw, err := hijacker.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		if !rr.wroteHeader {
			rr.status = http.StatusSwitchingProtocols
			rr.wroteHeader = true
		}
		return conn, rw, nil
	}
	return nil, nil, http.ErrNotSupported
}

// Push forwards HTTP/2 push requests when the underlying writer supports http.Pusher.
func (rr *responseRecorder) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := rr.ResponseWriter.(http.Pusher); ok {
		if err := pusher.Push(target, opts); err != nil {
			return fmt.Errorf("http/2 push: %w", err)
		}
		return nil
	}
	return http.ErrNotSupported
}
