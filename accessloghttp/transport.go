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
	"net"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"

	"github.com/pjscruggs/accesslog"
)

// Transport returns an http.RoundTripper running the outbound chain in
// accesslog.OutboundStages order: a per-call invocation context derived from
// the caller's, the local service name, and the access log. The invocation
// context and trace headers are injected before the request reaches base.
// Errors from base are returned unchanged.
func Transport(base http.RoundTripper, opts ...Option) http.RoundTripper {
	cfg := applyOptions(opts)
	if base == nil {
		base = http.DefaultTransport
	}
	raw := base
	if cfg.enableOTel {
		base = otelhttp.NewTransport(base, otelOptions(cfg)...)
	}

	ordered, err := accesslog.Assemble(accesslog.OutboundStages, map[accesslog.Stage]func(http.RoundTripper) http.RoundTripper{
		accesslog.StageInvocationContext: outboundContextStage,
		accesslog.StageServiceName:       serviceNameStage(cfg.resolvedServiceName),
		accesslog.StageAccessLog:         outboundAccessLogStage(cfg),
	})
	if err != nil {
		panic("accessloghttp: " + err.Error())
	}

	rt := injectStage(cfg, base)
	for i := len(ordered) - 1; i >= 0; i-- {
		rt = ordered[i](rt)
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if req == nil {
			return raw.RoundTrip(req)
		}
		return rt.RoundTrip(req)
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip calls f(req).
func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// outboundContextStage gives each outbound call its own invocation context,
// seeded from the one carried by the request context.
func outboundContextStage(next http.RoundTripper) http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		ctx := req.Context()
		ic := accesslog.NewInvocationContext()
		if parent, ok := accesslog.InvocationFromContext(ctx); ok {
			ic.Merge(parent.Fields())
		}
		ic.EnsureTraceID(ctx)
		return next.RoundTrip(req.WithContext(accesslog.ContextWithInvocation(ctx, ic)))
	})
}

// serviceNameStage stamps the local microservice name, read per call, so the
// callee can report its source.
func serviceNameStage(serviceName func() string) func(http.RoundTripper) http.RoundTripper {
	return func(next http.RoundTripper) http.RoundTripper {
		return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			if name := serviceName(); name != "" {
				if ic, ok := accesslog.InvocationFromContext(req.Context()); ok {
					ic.Set(accesslog.ContextMicroserviceName, name)
				}
			}
			return next.RoundTrip(req)
		})
	}
}

// outboundAccessLogStage emits the start and finish events around the
// remaining chain.
func outboundAccessLogStage(cfg *config) func(http.RoundTripper) http.RoundTripper {
	return func(next http.RoundTripper) http.RoundTripper {
		return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			rec := cfg.recorder
			if !rec.Enabled() {
				return next.RoundTrip(req)
			}

			ctx, inv := rec.Start(req.Context(), outboundDescriptor(req))
			req = req.WithContext(ctx)

			var resp *http.Response
			_, err := inv.Do(ctx, func(context.Context) (int, error) {
				var rtErr error
				resp, rtErr = next.RoundTrip(req)
				if rtErr != nil || resp == nil {
					return accesslog.StatusUnknown, rtErr
				}
				return resp.StatusCode, nil
			})
			return resp, err
		})
	}
}

// injectStage writes the invocation context and trace headers onto a copy of
// the request before handing it to base.
func injectStage(cfg *config, base http.RoundTripper) http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		ctx := req.Context()
		ic, _ := accesslog.InvocationFromContext(ctx)
		p := propagator(cfg)
		if ic == nil && p == nil {
			return base.RoundTrip(req)
		}

		out := req.Clone(ctx)
		carrier := propagation.HeaderCarrier(out.Header)
		if err := accesslog.InjectInvocation(ic, carrier); err != nil {
			accesslog.Logger(ctx).WarnContext(ctx, "dropping invocation context header", "error", err)
		}
		if p != nil && !cfg.enableOTel {
			p.Inject(ctx, carrier)
		}
		return base.RoundTrip(out)
	})
}

// outboundDescriptor snapshots req for an outbound access log event.
func outboundDescriptor(req *http.Request) accesslog.Descriptor {
	desc := accesslog.Descriptor{
		Direction: accesslog.Outbound,
		Protocol:  protocolHTTP,
		Method:    req.Method,
		Target:    outboundTarget(req),
	}
	if req.URL != nil {
		desc.Path = req.URL.Path
	}
	return desc
}

// outboundTarget returns the host:port the request is sent to, filling in the
// scheme's default port when the URL names none.
func outboundTarget(req *http.Request) string {
	host := req.Host
	scheme := ""
	if req.URL != nil {
		scheme = req.URL.Scheme
		if req.URL.Host != "" {
			host = req.URL.Host
		}
	}
	if host == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := "80"
	if scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(trimBrackets(host), port)
}

// trimBrackets removes the brackets around a bare IPv6 literal.
func trimBrackets(host string) string {
	if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return host
}
