package sched

/*
tilerq — asynchronous retrieval scheduler in Go for map tile services
Copyright (C) 2025  Pepijn van der Stap <tilerq@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"container/heap"
	"sync"
)

// taskQueue is the scheduler's ready queue: an index-aware binary heap
// ordered by taskLess, behind one mutex with a condition variable for the
// worker pop path.
//
// Re-prioritizing a queued element is done with heap.Fix on the tracked heap
// index while holding the lock — never by mutating the key of an element a
// plain heap doesn't know changed. Once an element has left the heap its
// index is -1 and a boost touches only its (now inert) priority fields, so
// re-prioritization can never affect a task already handed to a worker.
type taskQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	items taskHeap
	// capacity bounds the queue; <= 0 means unbounded.
	capacity int
	// closed stops Push; draining makes Pop return remaining items before
	// reporting closed, immediate close empties the heap first.
	closed  bool
	nextSeq uint64
}

func newTaskQueue(capacity int) *taskQueue {
	q := &taskQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues t. Returns ErrShuttingDown after close, ErrQueueFull when a
// bounded queue is at capacity.
func (q *taskQueue) push(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrShuttingDown
	}
	if q.capacity > 0 && q.items.Len() >= q.capacity {
		return ErrQueueFull
	}
	q.nextSeq++
	t.seq = q.nextSeq
	heap.Push(&q.items, t)
	q.cond.Signal()
	return nil
}

// pop blocks until a task is available or the queue is closed and empty.
// The second return value is false only when no more tasks will ever come.
func (q *taskQueue) pop() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.items.Len() == 0 {
		return nil, false
	}
	t := heap.Pop(&q.items).(*Task)
	return t, true
}

// boost raises t's priority to at least priority and refreshes its epoch,
// restoring the heap invariant if t is still queued.
func (q *taskQueue) boost(t *Task, priority float64, epoch int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if priority > t.Priority() {
		t.setPriority(priority)
	}
	if epoch > t.Epoch() {
		t.epoch.Store(epoch)
	}
	if t.index >= 0 {
		heap.Fix(&q.items, t.index)
	}
}

// remove takes t out of the queue if it is still there.
func (q *taskQueue) remove(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.index < 0 {
		return false
	}
	heap.Remove(&q.items, t.index)
	return true
}

// len returns the number of queued (not yet running) tasks.
func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// close stops intake. With drain, workers keep popping until the heap is
// empty; without, the remaining tasks are returned to the caller for
// cancellation and workers wake to find the queue finished.
func (q *taskQueue) close(drain bool) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	var remaining []*Task
	if !drain {
		remaining = make([]*Task, 0, q.items.Len())
		for q.items.Len() > 0 {
			remaining = append(remaining, heap.Pop(&q.items).(*Task))
		}
	}
	q.cond.Broadcast()
	return remaining
}

// taskHeap implements heap.Interface with index tracking so that heap.Fix
// and heap.Remove can address elements directly.
type taskHeap []*Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return taskLess(h[i], h[j]) }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
