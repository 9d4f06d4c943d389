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
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"

	"github.com/x-stp/tilerq/internal/retrieval"
)

// Task adorns one Retriever with scheduling metadata and doubles as the
// future-like handle returned to the submitter.
//
// Identity rules: two Tasks are duplicates iff their retrievers' identities
// are equal. Priority and submission epoch are deliberately excluded from
// identity so a queued Task can be re-prioritized in place without disturbing
// the admission table's view of it.
//
// Ordering rules: the ready queue dequeues the highest effective key first,
// where effective key = priority + submission epoch. The epoch is wall time
// bucketed to the stale-request granularity, so requests within one window
// compare by priority alone while a strictly newer window always wins —
// a slow trickle of high-priority work cannot starve fresh requests forever.
// A monotonic sequence number makes the order total and deterministic.
//
// Priority and epoch are stored atomically (float64 via its bit pattern, as
// the heap comparator runs under the queue lock but observers may not).
type Task struct {
	// Immutable fields
	retriever retrieval.Retriever
	identity  string
	hash      uint64 // xxh3 of identity, precomputed at construction
	svc       *Service

	// Ordering metadata. priority/epoch mutate only under the queue lock
	// (boost path); seq and index are owned by the queue outright.
	priority uint64 // math.Float64bits
	epoch    atomic.Int64
	seq      uint64
	index    int

	// Completion state
	cancelled atomic.Bool
	started   atomic.Bool
	doneOnce  sync.Once
	done      chan struct{}
	result    []byte
	err       error

	// cancelRun aborts the in-flight execution; set by the worker just
	// before Run, observed by Cancel.
	cancelRun atomic.Value // context.CancelFunc
}

func newTask(r retrieval.Retriever, priority float64, epoch int64, svc *Service) *Task {
	t := &Task{
		retriever: r,
		identity:  r.Identity(),
		hash:      xxh3.HashString(r.Identity()),
		svc:       svc,
		index:     -1,
		done:      make(chan struct{}),
	}
	t.setPriority(priority)
	t.epoch.Store(epoch)
	return t
}

// Identity returns the resource identity this task is admitted under.
func (t *Task) Identity() string { return t.identity }

// Hash returns the precomputed xxh3 hash of the identity. The admission
// table uses it to pick a shard.
func (t *Task) Hash() uint64 { return t.hash }

// Retriever returns the unit of work wrapped by this task.
func (t *Task) Retriever() retrieval.Retriever { return t.retriever }

// Priority returns the task's current priority. A negative priority selects
// the insertion-order regime: such tasks rank below any prioritized task and
// among themselves by submission order.
func (t *Task) Priority() float64 {
	return math.Float64frombits(atomic.LoadUint64(&t.priority))
}

func (t *Task) setPriority(p float64) {
	atomic.StoreUint64(&t.priority, math.Float64bits(p))
}

// Epoch returns the task's current submission epoch bucket.
func (t *Task) Epoch() int64 { return t.epoch.Load() }

// effectiveKey is the composite ordering key; only meaningful for
// non-negative priorities.
func (t *Task) effectiveKey() float64 {
	return t.Priority() + float64(t.Epoch())
}

// taskLess reports whether a dequeues before b. The order is total: key
// comparison first, then the enqueue sequence as a deterministic tiebreaker.
func taskLess(a, b *Task) bool {
	aFIFO, bFIFO := a.Priority() < 0, b.Priority() < 0
	if aFIFO != bFIFO {
		return !aFIFO // prioritized tasks ahead of insertion-order tasks
	}
	if aFIFO {
		return a.seq < b.seq
	}
	ka, kb := a.effectiveKey(), b.effectiveKey()
	if ka != kb {
		return ka > kb // higher effective key dequeues first
	}
	return a.seq < b.seq
}

// --- handle surface ---

// Done returns a channel closed when the task has completed (successfully,
// with an error, or cancelled).
func (t *Task) Done() <-chan struct{} { return t.done }

// IsDone reports whether the task has completed.
func (t *Task) IsDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether Cancel has been called.
func (t *Task) IsCancelled() bool { return t.cancelled.Load() }

// Err returns the task's failure, nil on success. Only meaningful once the
// task is done.
func (t *Task) Err() error {
	if !t.IsDone() {
		return nil
	}
	return t.err
}

// Result returns the retrieved payload. Only meaningful once the task is
// done; nil on failure.
func (t *Task) Result() []byte {
	if !t.IsDone() {
		return nil
	}
	return t.result
}

// Wait blocks until the task completes or ctx is done, returning the payload
// and failure as Result/Err would.
func (t *Task) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cancellation. A task still in the queue completes
// immediately with ErrCancelled and leaves the admission table; a running
// task has its context cancelled and winds down cooperatively at the
// retriever's next phase boundary. Cancellation of a finished task is a
// no-op.
func (t *Task) Cancel() {
	if t.IsDone() {
		return
	}
	t.cancelled.Store(true)
	if t.svc != nil {
		t.svc.cancelTask(t)
	}
	if fn, ok := t.cancelRun.Load().(context.CancelFunc); ok && fn != nil {
		fn()
	}
}

// complete marks the task done exactly once.
func (t *Task) complete(result []byte, err error) {
	t.doneOnce.Do(func() {
		t.result = result
		t.err = err
		close(t.done)
	})
}
