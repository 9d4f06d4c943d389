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

import "sync"

// admissionShards is the number of identity shards. Power of two so the
// precomputed xxh3 hash maps with a mask.
const admissionShards = 32

// admissionTable is the concurrent identity-keyed table of tasks currently
// admitted (queued or running). It carries the core deduplication guarantee:
// at any instant there is at most one admitted Task per identity.
//
// Shard selection reuses the Task's precomputed identity hash; each shard's
// mutex makes insert-or-boost a single critical section per identity, never
// a separate check-then-act.
type admissionTable struct {
	queue  *taskQueue
	shards [admissionShards]admissionShard
}

type admissionShard struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func newAdmissionTable(queue *taskQueue) *admissionTable {
	a := &admissionTable{queue: queue}
	for i := range a.shards {
		a.shards[i].tasks = make(map[string]*Task)
	}
	return a
}

func (a *admissionTable) shardFor(hash uint64) *admissionShard {
	return &a.shards[hash&(admissionShards-1)]
}

// admit performs the atomic insert-or-boost for candidate's identity.
//
// If no task is admitted under the identity, candidate is inserted and
// enqueued, and (candidate, true, nil) is returned. If one already is, the
// existing task's priority is raised to max(existing, requested) and its
// submission epoch refreshed — resubmitting a resource both boosts it and
// resets its starvation clock — and (existing, false, nil) is returned; the
// candidate is discarded without ever being enqueued.
//
// A queue-full or shutdown error leaves the table unchanged.
func (a *admissionTable) admit(candidate *Task, priority float64, epoch int64) (*Task, bool, error) {
	shard := a.shardFor(candidate.Hash())
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if existing, ok := shard.tasks[candidate.Identity()]; ok {
		a.queue.boost(existing, priority, epoch)
		return existing, false, nil
	}
	if err := a.queue.push(candidate); err != nil {
		return nil, false, err
	}
	shard.tasks[candidate.Identity()] = candidate
	return candidate, true, nil
}

// remove deletes t from the table if it is the task admitted under its
// identity. Called exactly once per task on the completion path, before the
// handle is marked done, so an immediate resubmission of the identity is
// admitted fresh rather than deduplicated against finished work.
func (a *admissionTable) remove(t *Task) bool {
	shard := a.shardFor(t.Hash())
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if cur, ok := shard.tasks[t.Identity()]; ok && cur == t {
		delete(shard.tasks, t.Identity())
		return true
	}
	return false
}

// snapshot returns all currently admitted tasks. Used by the aggregate
// progress query.
func (a *admissionTable) snapshot() []*Task {
	var out []*Task
	for i := range a.shards {
		shard := &a.shards[i]
		shard.mu.Lock()
		for _, t := range shard.tasks {
			out = append(out, t)
		}
		shard.mu.Unlock()
	}
	return out
}

// clear empties the table, returning the tasks that were admitted.
func (a *admissionTable) clear() []*Task {
	var out []*Task
	for i := range a.shards {
		shard := &a.shards[i]
		shard.mu.Lock()
		for id, t := range shard.tasks {
			out = append(out, t)
			delete(shard.tasks, id)
		}
		shard.mu.Unlock()
	}
	return out
}
