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
	"log/slog"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/pjscruggs/accesslog"
)

// Option configures gRPC interceptors and helper functions.
type Option func(*config)

type config struct {
	recorder        *accesslog.Recorder
	logger          *slog.Logger
	serviceNames    func() string
	strictContext   bool
	trustInvocation bool
	enableOTel      bool
	tracerProvider  trace.TracerProvider
	propagators     propagation.TextMapPropagator
	propagatorsSet  bool
	propagateTrace  bool
	publicEndpoint  bool
	filters         []otelgrpc.Filter
}

// defaultConfig returns the baseline configuration for accesslog gRPC helpers.
func defaultConfig() *config {
	return &config{
		enableOTel:      true,
		propagateTrace:  true,
		trustInvocation: true,
	}
}

// applyOptions applies the provided Option list, starting from defaultConfig.
// Without WithRecorder a Recorder writing to an accesslog.SlogSink and naming
// failures by status code is created.
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
		cfg.recorder = accesslog.New(accesslog.NewSlogSink(sinkOpts...), accesslog.WithErrorKind(ErrorKind))
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

// WithRecorder sets the Recorder that emits access log events.
func WithRecorder(rec *accesslog.Recorder) Option {
	return func(cfg *config) {
		cfg.recorder = rec
	}
}

// WithLogger sets the logger used by the default Recorder.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithServiceName sets the microservice name stamped onto outgoing RPCs. An
// empty name disables stamping.
func WithServiceName(name string) Option {
	return func(cfg *config) {
		cfg.serviceNames = func() string { return name }
	}
}

// WithServiceNameSource reads the microservice name from src on every call,
// so a name changed at runtime, for example through accesslogconfig, applies
// to the next RPC. It replaces WithServiceName.
func WithServiceNameSource(src accesslog.ServiceNameSource) Option {
	return func(cfg *config) {
		if src != nil {
			cfg.serviceNames = src.ServiceName
		}
	}
}

// WithStrictContext makes server interceptors panic when no invocation
// context was established earlier in the chain.
func WithStrictContext(enabled bool) Option {
	return func(cfg *config) {
		cfg.strictContext = enabled
	}
}

// WithTrustInvocationContext toggles decoding of the caller-supplied
// x-invocation-context metadata.
func WithTrustInvocationContext(enabled bool) Option {
	return func(cfg *config) {
		cfg.trustInvocation = enabled
	}
}

// WithPropagators supplies a TextMapPropagator for extracting or injecting
// trace context.
func WithPropagators(p propagation.TextMapPropagator) Option {
	return func(cfg *config) {
		cfg.propagators = p
		cfg.propagatorsSet = true
	}
}

// WithTracerProvider installs the tracer provider used by otelgrpc handlers.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *config) {
		cfg.tracerProvider = tp
	}
}

// WithTracePropagation toggles trace context extraction and injection.
func WithTracePropagation(enabled bool) Option {
	return func(cfg *config) {
		cfg.propagateTrace = enabled
	}
}

// WithPublicEndpoint marks server handlers as public so otelgrpc starts new
// root spans instead of trusting inbound ones.
func WithPublicEndpoint(enabled bool) Option {
	return func(cfg *config) {
		cfg.publicEndpoint = enabled
	}
}

// WithOTel enables or disables the otelgrpc stats handlers installed by
// ServerOptions and DialOptions.
func WithOTel(enabled bool) Option {
	return func(cfg *config) {
		cfg.enableOTel = enabled
	}
}

// WithFilter appends an otelgrpc filter.
func WithFilter(filter otelgrpc.Filter) Option {
	return func(cfg *config) {
		if filter != nil {
			cfg.filters = append(cfg.filters, filter)
		}
	}
}
