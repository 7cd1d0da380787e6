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
	"strings"
	"sync/atomic"
)

const envEnabled = "ACCESSLOG_ENABLED"

// Gate reports whether access logging is currently enabled. It is consulted
// once per invocation.
type Gate interface {
	Enabled() bool
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func() bool

// Enabled calls f, treating a nil function as enabled.
func (f GateFunc) Enabled() bool {
	if f == nil {
		return true
	}
	return f()
}

// Switch is a Gate that can be flipped at runtime, for example by a
// configuration watcher. The zero value is disabled.
type Switch struct {
	enabled atomic.Bool
}

// NewSwitch returns a Switch in the given state.
func NewSwitch(enabled bool) *Switch {
	s := &Switch{}
	s.enabled.Store(enabled)
	return s
}

// NewSwitchFromEnv returns a Switch initialised from ACCESSLOG_ENABLED,
// falling back to def when the variable is unset or unparsable.
func NewSwitchFromEnv(def bool) *Switch {
	enabled := def
	if v, ok := parseBool(os.Getenv(envEnabled)); ok {
		enabled = v
	}
	return NewSwitch(enabled)
}

// Enabled reports the current state.
func (s *Switch) Enabled() bool {
	if s == nil {
		return false
	}
	return s.enabled.Load()
}

// Set changes the state and reports the previous one.
func (s *Switch) Set(enabled bool) bool {
	return s.enabled.Swap(enabled)
}

// parseBool accepts yes/on/1/true and no/off/0/false tokens.
func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "yes", "on":
		return true, true
	case "0", "f", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
