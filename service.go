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
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/compute/metadata"
)

const (
	envServiceName = "ACCESSLOG_SERVICE_NAME"

	// serviceNameAttribute is the GCE instance attribute consulted when no
	// environment variable names the service.
	serviceNameAttribute = "service-name"

	metadataTimeout = 500 * time.Millisecond
)

var (
	serviceName     string
	serviceNameOnce sync.Once

	onGCE              = metadata.OnGCE
	instanceAttributes = func(ctx context.Context, attr string) (string, error) {
		return metadata.InstanceAttributeValueWithContext(ctx, attr)
	}
)

// DetectServiceName returns the name this process reports as the calling
// microservice on outbound requests. It checks ACCESSLOG_SERVICE_NAME, then
// the serverless platform variables K_SERVICE, GAE_SERVICE and
// FUNCTION_TARGET, and finally the "service-name" instance attribute when
// running on Compute Engine. The result is cached for the process lifetime
// and may be empty.
func DetectServiceName() string {
	serviceNameOnce.Do(func() {
		serviceName = detectServiceName()
	})
	return serviceName
}

// ServiceNameSource supplies the local microservice name at call time.
type ServiceNameSource interface {
	ServiceName() string
}

// ServiceNameHolder is a ServiceNameSource whose name can be replaced while
// requests are in flight. An empty name falls back to DetectServiceName.
type ServiceNameHolder struct {
	name atomic.Pointer[string]
}

// NewServiceNameHolder returns a holder set to name.
func NewServiceNameHolder(name string) *ServiceNameHolder {
	h := &ServiceNameHolder{}
	h.Set(name)
	return h
}

// Set replaces the held name.
func (h *ServiceNameHolder) Set(name string) {
	name = strings.TrimSpace(name)
	h.name.Store(&name)
}

// ServiceName returns the held name, or DetectServiceName when it is empty.
func (h *ServiceNameHolder) ServiceName() string {
	if h != nil {
		if p := h.name.Load(); p != nil && *p != "" {
			return *p
		}
	}
	return DetectServiceName()
}

// detectServiceName performs an uncached lookup.
func detectServiceName() string {
	if name := firstNonEmpty(
		os.Getenv(envServiceName),
		os.Getenv("K_SERVICE"),
		os.Getenv("GAE_SERVICE"),
		os.Getenv("FUNCTION_TARGET"),
	); name != "" {
		return name
	}
	if !onGCE() {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), metadataTimeout)
	defer cancel()
	name, err := instanceAttributes(ctx, serviceNameAttribute)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(name)
}

// firstNonEmpty returns the first non-empty string after trimming whitespace.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
