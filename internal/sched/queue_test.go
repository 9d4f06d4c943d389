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
	"errors"
	"testing"
)

func TestQueueDequeuesHighestKeyFirst(t *testing.T) {
	t.Parallel()

	q := newTaskQueue(0)
	low := newTask(&stubRetriever{identity: "host/low"}, 1, 10, nil)
	mid := newTask(&stubRetriever{identity: "host/mid"}, 5, 10, nil)
	high := newTask(&stubRetriever{identity: "host/high"}, 9, 10, nil)

	for _, task := range []*Task{mid, low, high} {
		if err := q.push(task); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	for _, want := range []string{"host/high", "host/mid", "host/low"} {
		got, ok := q.pop()
		if !ok {
			t.Fatal("queue unexpectedly closed")
		}
		if got.Identity() != want {
			t.Fatalf("popped %s, want %s", got.Identity(), want)
		}
	}
}

func TestQueueBoostReordersQueuedTask(t *testing.T) {
	t.Parallel()

	q := newTaskQueue(0)
	a := newTask(&stubRetriever{identity: "host/a"}, 1, 10, nil)
	b := newTask(&stubRetriever{identity: "host/b"}, 5, 10, nil)
	if err := q.push(a); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.push(b); err != nil {
		t.Fatalf("push: %v", err)
	}

	q.boost(a, 9, 10)

	got, _ := q.pop()
	if got != a {
		t.Fatalf("boosted task should dequeue first, got %s", got.Identity())
	}
	if got.Priority() != 9 {
		t.Fatalf("priority after boost = %v, want 9", got.Priority())
	}
}

func TestQueueBoostNeverLowersPriority(t *testing.T) {
	t.Parallel()

	q := newTaskQueue(0)
	task := newTask(&stubRetriever{identity: "host/a"}, 7, 10, nil)
	if err := q.push(task); err != nil {
		t.Fatalf("push: %v", err)
	}

	q.boost(task, 2, 10)

	if task.Priority() != 7 {
		t.Fatalf("priority = %v, want max(7, 2) = 7", task.Priority())
	}
}

func TestQueueBoostAfterDequeueIsInert(t *testing.T) {
	t.Parallel()

	q := newTaskQueue(0)
	task := newTask(&stubRetriever{identity: "host/a"}, 1, 10, nil)
	if err := q.push(task); err != nil {
		t.Fatalf("push: %v", err)
	}
	popped, _ := q.pop()

	// Must not touch the (empty) heap.
	q.boost(popped, 50, 99)

	if q.len() != 0 {
		t.Fatal("boost of a dequeued task must not re-enqueue it")
	}
}

func TestQueueBoundedCapacity(t *testing.T) {
	t.Parallel()

	q := newTaskQueue(2)
	for i, id := range []string{"host/a", "host/b"} {
		if err := q.push(newTask(&stubRetriever{identity: id}, float64(i), 0, nil)); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}

	err := q.push(newTask(&stubRetriever{identity: "host/c"}, 1, 0, nil))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestQueueCloseDrain(t *testing.T) {
	t.Parallel()

	q := newTaskQueue(0)
	if err := q.push(newTask(&stubRetriever{identity: "host/a"}, 1, 0, nil)); err != nil {
		t.Fatalf("push: %v", err)
	}

	remaining := q.close(true)
	if remaining != nil {
		t.Fatal("draining close must leave items for the workers")
	}

	if _, ok := q.pop(); !ok {
		t.Fatal("queued item should still be popped after draining close")
	}
	if _, ok := q.pop(); ok {
		t.Fatal("pop should report closed once the queue is empty")
	}
	if err := q.push(newTask(&stubRetriever{identity: "host/b"}, 1, 0, nil)); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("push after close: %v, want ErrShuttingDown", err)
	}
}

func TestQueueCloseImmediateReturnsRemaining(t *testing.T) {
	t.Parallel()

	q := newTaskQueue(0)
	for _, id := range []string{"host/a", "host/b", "host/c"} {
		if err := q.push(newTask(&stubRetriever{identity: id}, 1, 0, nil)); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}

	remaining := q.close(false)
	if len(remaining) != 3 {
		t.Fatalf("immediate close returned %d tasks, want 3", len(remaining))
	}
	if _, ok := q.pop(); ok {
		t.Fatal("immediate close must leave the queue empty")
	}
}

func TestQueueRemove(t *testing.T) {
	t.Parallel()

	q := newTaskQueue(0)
	a := newTask(&stubRetriever{identity: "host/a"}, 1, 0, nil)
	b := newTask(&stubRetriever{identity: "host/b"}, 2, 0, nil)
	if err := q.push(a); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.push(b); err != nil {
		t.Fatalf("push: %v", err)
	}

	if !q.remove(a) {
		t.Fatal("remove of queued task should succeed")
	}
	if q.remove(a) {
		t.Fatal("second remove must be a no-op")
	}
	if q.len() != 1 {
		t.Fatalf("len = %d, want 1", q.len())
	}
}
