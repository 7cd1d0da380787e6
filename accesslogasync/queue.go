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

package accesslogasync

import (
	"sync"

	"github.com/pjscruggs/accesslog"
)

// queue is a bounded FIFO that keeps invocations whole. Start events count
// against the capacity and are the only events the drop modes pick. The
// finish event of an invocation whose start was accepted is always queued,
// and the finish of an invocation whose start was dropped is dropped too, so
// the inner sink sees either both events or neither.
type queue struct {
	mu       sync.Mutex
	ready    sync.Cond
	space    sync.Cond
	items    []queuedEvent
	capacity int
	mode     DropMode
	closed   bool
	// orphaned holds invocations whose start was dropped and whose finish
	// has not arrived yet.
	orphaned map[uint64]struct{}
}

func newQueue(capacity int, mode DropMode) *queue {
	q := &queue{
		capacity: capacity,
		mode:     mode,
		orphaned: make(map[uint64]struct{}),
	}
	q.ready.L = &q.mu
	q.space.L = &q.mu
	return q
}

// closes reports whether ev ends an invocation produced by a Recorder.
func closes(ev accesslog.Event) bool {
	return ev.ID != 0 && ev.Phase != accesslog.PhaseStart
}

// put queues item. It returns the events dropped on the way, which may
// include item itself.
func (q *queue) put(item queuedEvent) []queuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return []queuedEvent{item}
	}
	if closes(item.ev) {
		if _, ok := q.orphaned[item.ev.ID]; ok {
			delete(q.orphaned, item.ev.ID)
			return []queuedEvent{item}
		}
		q.push(item)
		return nil
	}

	var dropped []queuedEvent
	for len(q.items) >= q.capacity {
		switch q.mode {
		case DropModeDropNewest:
			q.orphan(item)
			return append(dropped, item)
		case DropModeDropOldest:
			evicted := q.evictOldest()
			if len(evicted) == 0 {
				q.orphan(item)
				return append(dropped, item)
			}
			dropped = append(dropped, evicted...)
		default:
			q.space.Wait()
			if q.closed {
				return append(dropped, item)
			}
		}
	}
	q.push(item)
	return dropped
}

func (q *queue) push(item queuedEvent) {
	q.items = append(q.items, item)
	q.ready.Signal()
}

// orphan remembers a dropped start so its finish is dropped as well.
func (q *queue) orphan(item queuedEvent) {
	if item.ev.ID != 0 && item.ev.Phase == accesslog.PhaseStart {
		q.orphaned[item.ev.ID] = struct{}{}
	}
}

// evictOldest removes the oldest start or unpaired event together with a
// queued finish of the same invocation. It returns nothing when the queue
// holds only finish events.
func (q *queue) evictOldest() []queuedEvent {
	victim := -1
	for i, item := range q.items {
		if !closes(item.ev) {
			victim = i
			break
		}
	}
	if victim < 0 {
		return nil
	}

	start := q.items[victim]
	q.items = append(q.items[:victim], q.items[victim+1:]...)
	evicted := []queuedEvent{start}
	if start.ev.ID == 0 {
		return evicted
	}
	for i := victim; i < len(q.items); i++ {
		if q.items[i].ev.ID == start.ev.ID {
			evicted = append(evicted, q.items[i])
			q.items = append(q.items[:i], q.items[i+1:]...)
			return evicted
		}
	}
	q.orphan(start)
	return evicted
}

// take waits for queued events and removes up to limit of them. It reports
// false once the queue is closed and drained.
func (q *queue) take(limit int) ([]queuedEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.ready.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}

	n := min(limit, len(q.items))
	batch := make([]queuedEvent, n)
	copy(batch, q.items)
	clear(q.items[:n])
	q.items = q.items[n:]
	q.space.Broadcast()
	return batch, true
}

// close rejects further events and wakes every waiter. Queued events remain
// available to take.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.ready.Broadcast()
	q.space.Broadcast()
}
