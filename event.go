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
	"errors"
	"fmt"
	"strings"
	"time"
)

// Direction distinguishes requests received by this process from requests it
// sends to other services.
type Direction uint8

const (
	// Inbound marks a request handled by this process.
	Inbound Direction = iota
	// Outbound marks a request sent by this process.
	Outbound
)

// String returns "inbound" or "outbound".
func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Descriptor is the immutable snapshot of a request taken before delegation.
type Descriptor struct {
	Direction Direction
	Protocol  string
	Method    string
	Path      string
	// Source identifies the caller of an inbound request.
	Source string
	// Target is the host:port of an outbound request.
	Target string
}

// Phase identifies which side of an invocation an Event reports.
type Phase uint8

const (
	// PhaseStart is emitted before delegation.
	PhaseStart Phase = iota
	// PhaseFinish is emitted after the delegate completes successfully.
	PhaseFinish
	// PhaseFailure is emitted after the delegate fails.
	PhaseFailure
)

// String returns a short lowercase name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseFinish:
		return "finish"
	case PhaseFailure:
		return "failure"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

const (
	// StatusUnknown is reported on start events.
	StatusUnknown = 0
	// StatusError is reported on failure events.
	StatusError = -1

	// LabelStarting is the label of every start event.
	LabelStarting = "request starting"
	// LabelFinished is the label of successful finish events. Failure events
	// append the error kind in parentheses.
	LabelFinished = "request finished"
)

// FailureLabel returns the finish label for a failure of the given kind.
func FailureLabel(kind string) string {
	return LabelFinished + "(" + kind + ")"
}

// Event is one access log emission.
type Event struct {
	// ID pairs the start event of an invocation with its finish event. It is
	// unique per process; zero marks an event not produced by a Recorder.
	ID         uint64
	Context    *InvocationContext
	Phase      Phase
	Label      string
	Descriptor Descriptor
	Status     int
	Elapsed    time.Duration
	// Err is the delegate failure for PhaseFailure events.
	Err error
}

// ElapsedMillis returns Elapsed truncated to whole milliseconds.
func (e Event) ElapsedMillis() int64 {
	return e.Elapsed.Milliseconds()
}

// ErrorKind names the kind of err for failure labels. Errors exposing a
// Kind() string method name themselves; context cancellation and deadline
// errors map to "Canceled" and "DeadlineExceeded"; anything else is named
// after its dynamic Go type.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var kinder interface{ Kind() string }
	if errors.As(err, &kinder) {
		if kind := strings.TrimSpace(kinder.Kind()); kind != "" {
			return kind
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "DeadlineExceeded"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}
