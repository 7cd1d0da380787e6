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
	"os"
	"sync"

	gcppropagator "github.com/GoogleCloudPlatform/opentelemetry-operations-go/propagator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const envPropagatorAutoSet = "ACCESSLOG_PROPAGATOR_AUTOSET"

var installPropagatorOnce sync.Once

// init triggers default propagator installation when the package is imported.
func init() {
	EnsurePropagation()
}

// EnsurePropagation configures a composite OpenTelemetry text map propagator
// that prefers W3C Trace Context while accepting Google Cloud's legacy
// X-Cloud-Trace-Context header on ingress, so trace ids recorded in the
// invocation context line up with the caller's. It runs once per process
// unless ACCESSLOG_PROPAGATOR_AUTOSET is set to a falsy value.
//
// Applications remain free to override the global propagator afterwards by
// calling otel.SetTextMapPropagator.
func EnsurePropagation() {
	installPropagatorOnce.Do(func() {
		if !propagatorAutoSetEnabled() {
			return
		}

		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			gcppropagator.CloudTraceOneWayPropagator{},
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	})
}

// propagatorAutoSetEnabled reports whether ACCESSLOG_PROPAGATOR_AUTOSET allows
// installing the default propagator. Unset or unparsable values allow it.
func propagatorAutoSetEnabled() bool {
	v, ok := parseBool(os.Getenv(envPropagatorAutoSet))
	if !ok {
		return true
	}
	return v
}

// InjectInvocation writes ic into carrier under InvocationContextHeader. An
// empty context writes nothing.
func InjectInvocation(ic *InvocationContext, carrier propagation.TextMapCarrier) error {
	if ic == nil || carrier == nil {
		return nil
	}
	encoded, err := ic.Encode()
	if err != nil {
		return err
	}
	if encoded != "" {
		carrier.Set(InvocationContextHeader, encoded)
	}
	return nil
}

// ExtractInvocation reads an invocation context from carrier. It returns nil
// without error when the carrier holds none.
func ExtractInvocation(carrier propagation.TextMapCarrier) (*InvocationContext, error) {
	if carrier == nil {
		return nil, nil
	}
	raw := carrier.Get(InvocationContextHeader)
	if raw == "" {
		return nil, nil
	}
	return DecodeInvocationContext(raw)
}
