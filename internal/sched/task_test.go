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
	"errors"
	"testing"
	"time"
)

func orderTask(identity string, priority float64, epoch int64, seq uint64) *Task {
	t := newTask(&stubRetriever{identity: identity}, priority, epoch, nil)
	t.seq = seq
	return t
}

func TestTaskLessPriorityOrder(t *testing.T) {
	t.Parallel()

	low := orderTask("host/a", 1, 10, 1)
	high := orderTask("host/b", 5, 10, 2)

	if !taskLess(high, low) {
		t.Error("higher priority should dequeue first within one epoch")
	}
	if taskLess(low, high) {
		t.Error("lower priority must not dequeue first within one epoch")
	}
}

func TestTaskLessNewerEpochWins(t *testing.T) {
	t.Parallel()

	// A high-priority task from an older epoch loses to a modest task from a
	// strictly newer epoch: old work cannot starve fresh requests.
	stale := orderTask("host/a", 90, 10, 1)
	fresh := orderTask("host/b", 2, 100, 2)

	if !taskLess(fresh, stale) {
		t.Error("task from a newer epoch should dequeue before stale high-priority work")
	}
}

func TestTaskLessFIFORegime(t *testing.T) {
	t.Parallel()

	first := orderTask("host/a", -1, 10, 1)
	second := orderTask("host/b", -1, 999, 2)
	prioritized := orderTask("host/c", 0, 0, 3)

	if !taskLess(first, second) {
		t.Error("insertion-order tasks should dequeue by submission sequence")
	}
	if !taskLess(prioritized, first) {
		t.Error("any prioritized task should dequeue before insertion-order tasks")
	}
	if taskLess(first, prioritized) {
		t.Error("insertion-order tasks must rank below prioritized tasks")
	}
}

func TestTaskLessSeqTiebreak(t *testing.T) {
	t.Parallel()

	a := orderTask("host/a", 3, 10, 1)
	b := orderTask("host/b", 3, 10, 2)

	if !taskLess(a, b) {
		t.Error("equal keys should break ties by submission sequence")
	}
	if taskLess(b, a) {
		t.Error("tiebreak must be deterministic")
	}
}

func TestTaskHandleLifecycle(t *testing.T) {
	t.Parallel()

	task := newTask(&stubRetriever{identity: "host/tile"}, 1, 0, nil)

	if task.IsDone() {
		t.Fatal("fresh task should not be done")
	}
	if task.Err() != nil || task.Result() != nil {
		t.Fatal("Err/Result must be nil before completion")
	}

	task.complete([]byte("payload"), nil)
	task.complete(nil, errors.New("second completion must be ignored"))

	if !task.IsDone() {
		t.Fatal("task should be done after complete")
	}
	if task.Err() != nil {
		t.Fatalf("unexpected error: %v", task.Err())
	}
	if string(task.Result()) != "payload" {
		t.Fatalf("unexpected result: %q", task.Result())
	}

	res, err := task.Wait(context.Background())
	if err != nil || string(res) != "payload" {
		t.Fatalf("Wait returned (%q, %v)", res, err)
	}
}

func TestTaskWaitHonorsContext(t *testing.T) {
	t.Parallel()

	task := newTask(&stubRetriever{identity: "host/tile"}, 1, 0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := task.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
