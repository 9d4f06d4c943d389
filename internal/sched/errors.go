/*
Package sched provides the asynchronous retrieval scheduler: a fixed-size
worker pool draining a priority queue of retrieval tasks, with per-identity
admission (deduplication), host health fast-fail, and failure classification.
It defines common error values used across these components.
*/
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

import "errors"

// Common error constants used within the sched package.
// These provide standardized error values for frequent conditions like full
// queues or scheduler shutdown, facilitating consistent error handling and
// checking with errors.Is.
var (
	// ErrShuttingDown indicates that the scheduler no longer accepts work.
	ErrShuttingDown = errors.New("scheduler is shutting down")
	// ErrQueueFull indicates that the bounded ready queue is at capacity and
	// the submission was discarded. Never produced by an unbounded queue.
	ErrQueueFull = errors.New("retrieval queue full")
	// ErrCancelled indicates the task was cancelled before or during
	// execution. Handles of cancelled tasks resolve to this error.
	ErrCancelled = errors.New("retrieval task cancelled")
	// ErrHostUnavailable indicates the task was fast-failed because its host
	// is currently marked unavailable by the health tracker.
	ErrHostUnavailable = errors.New("host marked unavailable")
	// ErrEmptyIdentity indicates a retriever with no resource identity was
	// submitted.
	ErrEmptyIdentity = errors.New("retriever has empty identity")
)
