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
	"sync"
)

// ErrNoCompletion is reported when a deferred delegate returns a nil
// Completion.
var ErrNoCompletion = errors.New("accesslog: delegate returned no completion")

// Completion is a single-assignment result that becomes available later. The
// first call to Resolve or Reject wins; later calls are ignored. Callbacks
// registered with OnComplete run exactly once, on the goroutine that settles
// the completion, or immediately when it has already settled.
type Completion struct {
	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	status    int
	err       error
	callbacks []func(status int, err error)
}

// NewCompletion returns an unsettled Completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolved returns a Completion already resolved with status.
func Resolved(status int) *Completion {
	c := NewCompletion()
	c.Resolve(status)
	return c
}

// Rejected returns a Completion already rejected with err.
func Rejected(err error) *Completion {
	c := NewCompletion()
	c.Reject(err)
	return c
}

// Resolve settles c successfully with status. It reports whether this call
// settled c.
func (c *Completion) Resolve(status int) bool {
	return c.settle(status, nil)
}

// Reject settles c with err. A nil err is replaced by ErrNoCompletion so that
// a rejection is never mistaken for success. It reports whether this call
// settled c.
func (c *Completion) Reject(err error) bool {
	if err == nil {
		err = ErrNoCompletion
	}
	return c.settle(StatusError, err)
}

func (c *Completion) settle(status int, err error) bool {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return false
	}
	c.settled = true
	c.status = status
	c.err = err
	callbacks := c.callbacks
	c.callbacks = nil
	close(c.done)
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn(status, err)
	}
	return true
}

// OnComplete registers fn to observe the settled result.
func (c *Completion) OnComplete(fn func(status int, err error)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	if !c.settled {
		c.callbacks = append(c.callbacks, fn)
		c.mu.Unlock()
		return
	}
	status, err := c.status, c.err
	c.mu.Unlock()
	fn(status, err)
}

// Done is closed once c settles.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Result returns the settled status and error. Before settlement it returns
// StatusUnknown and a nil error.
func (c *Completion) Result() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.settled {
		return StatusUnknown, nil
	}
	return c.status, c.err
}

// Wait blocks until c settles or ctx is done, whichever happens first.
func (c *Completion) Wait(ctx context.Context) (int, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		return StatusUnknown, ctx.Err()
	}
}
