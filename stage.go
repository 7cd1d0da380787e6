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
	"fmt"
	"slices"
)

// Stage names a cross-cutting step of a request chain.
type Stage uint8

const (
	// StageInvocationContext establishes the invocation context, either from
	// the incoming request or freshly.
	StageInvocationContext Stage = iota + 1
	// StageServiceName stamps this service's name onto outbound requests.
	StageServiceName
	// StageAccessLog emits the paired start/finish access log events.
	StageAccessLog
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageInvocationContext:
		return "invocation-context"
	case StageServiceName:
		return "service-name"
	case StageAccessLog:
		return "access-log"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// The stage lists below are the single place chain order is declared. The
// first entry runs outermost. Access logging runs right after the context is
// established so its start time is close to receipt (inbound) and follows
// the service name stamping (outbound).
var (
	InboundStages  = []Stage{StageInvocationContext, StageAccessLog}
	OutboundStages = []Stage{StageInvocationContext, StageServiceName, StageAccessLog}
)

// Priority returns the position of s in order, lowest first, or -1 when
// order does not contain s.
func (s Stage) Priority(order []Stage) int {
	return slices.Index(order, s)
}

// Assemble returns the middleware registered in stages sorted by order.
// Stages missing from stages are skipped; a stage not present in order is an
// error.
func Assemble[M any](order []Stage, stages map[Stage]M) ([]M, error) {
	for s := range stages {
		if s.Priority(order) < 0 {
			return nil, fmt.Errorf("accesslog: stage %s is not part of the chain order", s)
		}
	}
	out := make([]M, 0, len(stages))
	for _, s := range order {
		if m, ok := stages[s]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}
