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

// Package accesslogmetrics turns access log events into Prometheus metrics.
//
// [Sink] implements accesslog.Sink and can be combined with a logging sink
// through accesslog.MultiSink:
//
//	metrics := accesslogmetrics.New()
//	rec := accesslog.New(accesslog.MultiSink{accesslog.NewSlogSink(), metrics})
//	mux.Handle("/metrics", metrics.Handler())
package accesslogmetrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pjscruggs/accesslog"
)

const defaultNamespace = "accesslog"

// Option configures a Sink.
type Option func(*config)

type config struct {
	namespace string
	buckets   []float64
	registry  *prometheus.Registry
}

// WithNamespace overrides the metric namespace. Defaults to "accesslog".
func WithNamespace(ns string) Option {
	return func(cfg *config) {
		cfg.namespace = ns
	}
}

// WithBuckets sets the latency histogram buckets in seconds.
func WithBuckets(buckets []float64) Option {
	return func(cfg *config) {
		cfg.buckets = buckets
	}
}

// WithRegistry registers the collectors with reg instead of a private
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(cfg *config) {
		cfg.registry = reg
	}
}

// Sink records request counts, in-flight requests and latency per direction
// and protocol.
type Sink struct {
	registry *prometheus.Registry
	started  *prometheus.CounterVec
	inFlight *prometheus.GaugeVec
	finished *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New builds a Sink and registers its collectors. It panics if the collectors
// are already registered with the chosen registry.
func New(opts ...Option) *Sink {
	cfg := &config{
		namespace: defaultNamespace,
		buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	registry := cfg.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	started := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "requests_started_total",
		Help:      "Total requests that emitted a start event",
	}, []string{"direction", "protocol"})

	inFlight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.namespace,
		Name:      "requests_in_flight",
		Help:      "Requests started but not yet finished",
	}, []string{"direction", "protocol"})

	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "requests_total",
		Help:      "Total finished requests",
	}, []string{"direction", "protocol", "outcome", "status_class"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Name:      "request_duration_seconds",
		Help:      "Time between start and finish events",
		Buckets:   cfg.buckets,
	}, []string{"direction", "protocol", "outcome"})

	registry.MustRegister(started, inFlight, finished, duration)

	return &Sink{
		registry: registry,
		started:  started,
		inFlight: inFlight,
		finished: finished,
		duration: duration,
	}
}

// Log implements accesslog.Sink.
func (s *Sink) Log(_ context.Context, ev accesslog.Event) {
	if s == nil {
		return
	}
	direction := ev.Descriptor.Direction.String()
	protocol := ev.Descriptor.Protocol

	switch ev.Phase {
	case accesslog.PhaseStart:
		s.started.WithLabelValues(direction, protocol).Inc()
		s.inFlight.WithLabelValues(direction, protocol).Inc()
	case accesslog.PhaseFinish, accesslog.PhaseFailure:
		outcome := "success"
		if ev.Phase == accesslog.PhaseFailure {
			outcome = "failure"
		}
		s.inFlight.WithLabelValues(direction, protocol).Dec()
		s.finished.WithLabelValues(direction, protocol, outcome, statusClass(ev.Status)).Inc()
		s.duration.WithLabelValues(direction, protocol, outcome).Observe(ev.Elapsed.Seconds())
	}
}

// Registry returns the registry the collectors are registered with.
func (s *Sink) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Sink) Handler() http.Handler {
	if s == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// statusClass buckets a status into 1xx..5xx, with "error" for failures and
// "unknown" for anything else.
func statusClass(status int) string {
	switch {
	case status == accesslog.StatusError:
		return "error"
	case status < 100 || status > 599:
		return "unknown"
	}
	return fmt.Sprintf("%dxx", status/100)
}
