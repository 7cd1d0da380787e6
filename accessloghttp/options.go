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
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/pjscruggs/accesslog"
)

// Option configures HTTP middleware or transport behaviour.
type Option func(*config)

type config struct {
	recorder          *accesslog.Recorder
	logger            *slog.Logger
	serviceNames      func() string
	strictContext     bool
	trustInvocation   bool
	enableOTel        bool
	tracerProvider    trace.TracerProvider
	propagators       propagation.TextMapPropagator
	propagatorsSet    bool
	propagateTrace    bool
	publicEndpoint    bool
	spanNameFormatter func(string, *http.Request) string
	filters           []otelhttp.Filter
}

// defaultConfig returns the baseline configuration for accesslog HTTP helpers.
func defaultConfig() *config {
	return &config{
		enableOTel:      true,
		propagateTrace:  true,
		trustInvocation: true,
	}
}

// applyOptions applies the provided options on top of defaultConfig and
// resolves the recorder and service name.
func applyOptions(opts []Option) *config {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.recorder == nil {
		var sinkOpts []accesslog.SlogOption
		if cfg.logger != nil {
			sinkOpts = append(sinkOpts, accesslog.WithSinkLogger(cfg.logger))
		}
		cfg.recorder = accesslog.New(accesslog.NewSlogSink(sinkOpts...))
	}
	return cfg
}

// resolvedServiceName returns the service name to stamp on the current call.
func (cfg *config) resolvedServiceName() string {
	if cfg.serviceNames == nil {
		return accesslog.DetectServiceName()
	}
	return strings.TrimSpace(cfg.serviceNames())
}

// WithRecorder sets the Recorder that emits access log events. When omitted a
// Recorder writing to an accesslog.SlogSink is used.
func WithRecorder(rec *accesslog.Recorder) Option {
	return func(cfg *config) {
		cfg.recorder = rec
	}
}

// WithLogger sets the logger used by the default Recorder. It has no effect
// when WithRecorder is supplied. When nil, the request-scoped logger from
// accesslog.Logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithServiceName sets the microservice name stamped onto outbound requests.
// When unset, accesslog.DetectServiceName is used. An empty name disables
// stamping.
func WithServiceName(name string) Option {
	return func(cfg *config) {
		cfg.serviceNames = func() string { return name }
	}
}

// WithServiceNameSource reads the microservice name from src on every call,
// so a name changed at runtime, for example through accesslogconfig, applies
// to the next request. It replaces WithServiceName.
func WithServiceNameSource(src accesslog.ServiceNameSource) Option {
	return func(cfg *config) {
		if src != nil {
			cfg.serviceNames = src.ServiceName
		}
	}
}

// WithStrictContext makes the access log middleware panic when no invocation
// context was established earlier in the chain. By default a placeholder
// context is used instead.
func WithStrictContext(enabled bool) Option {
	return func(cfg *config) {
		cfg.strictContext = enabled
	}
}

// WithTrustInvocationContext toggles decoding of the caller-supplied
// x-invocation-context header. Enabled by default; public endpoints may want
// to start every request with a fresh context.
func WithTrustInvocationContext(enabled bool) Option {
	return func(cfg *config) {
		cfg.trustInvocation = enabled
	}
}

// WithPropagators supplies a TextMapPropagator used for extracting (server) or
// injecting (client) trace context. When omitted, otel.GetTextMapPropagator()
// is used.
func WithPropagators(p propagation.TextMapPropagator) Option {
	return func(cfg *config) {
		cfg.propagators = p
		cfg.propagatorsSet = true
	}
}

// WithTracerProvider installs the OpenTelemetry tracer provider used when
// composing the otelhttp handler and transport.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *config) {
		cfg.tracerProvider = tp
	}
}

// WithTracePropagation toggles extraction and injection of trace context on
// HTTP middleware and transports. Enabled by default.
func WithTracePropagation(enabled bool) Option {
	return func(cfg *config) {
		cfg.propagateTrace = enabled
	}
}

// WithPublicEndpoint toggles the otelhttp public endpoint hint.
func WithPublicEndpoint(enabled bool) Option {
	return func(cfg *config) {
		cfg.publicEndpoint = enabled
	}
}

// WithOTel enables or disables automatic otelhttp instrumentation. It is
// enabled by default.
func WithOTel(enabled bool) Option {
	return func(cfg *config) {
		cfg.enableOTel = enabled
	}
}

// WithSpanNameFormatter customizes otelhttp span naming.
func WithSpanNameFormatter(formatter func(string, *http.Request) string) Option {
	return func(cfg *config) {
		cfg.spanNameFormatter = formatter
	}
}

// WithFilter appends an otelhttp filter applied to requests prior to span
// creation.
func WithFilter(filter otelhttp.Filter) Option {
	return func(cfg *config) {
		if filter != nil {
			cfg.filters = append(cfg.filters, filter)
		}
	}
}
