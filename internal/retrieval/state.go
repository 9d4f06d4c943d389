package retrieval

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

import "sync/atomic"

// State is the lifecycle phase of a single retrieval attempt.
// Transitions are driven only by the retriever's own Run; the three terminal
// states are reached exactly once and never left.
type State int32

const (
	StateNotStarted State = iota
	StateConnecting
	StateReading
	StateInterrupted
	StateError
	StateSuccessful
)

// Terminal reports whether no further transition can occur out of s.
func (s State) Terminal() bool {
	switch s {
	case StateInterrupted, StateError, StateSuccessful:
		return true
	}
	return false
}

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateConnecting:
		return "connecting"
	case StateReading:
		return "reading"
	case StateInterrupted:
		return "interrupted"
	case StateError:
		return "error"
	case StateSuccessful:
		return "successful"
	}
	return "unknown"
}

// stateCell is an atomically observable State. The retriever's worker is the
// single writer; progress monitors may load it at any time.
type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) load() State { return State(c.v.Load()) }

// store moves to next unless a terminal state has already been recorded.
func (c *stateCell) store(next State) {
	for {
		cur := c.v.Load()
		if State(cur).Terminal() {
			return
		}
		if c.v.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// forceError records StateError even from a terminal state. Only the
// end-of-life hook path uses this: a post-processing failure converts an
// already Successful attempt into an Error outcome.
func (c *stateCell) forceError() {
	c.v.Store(int32(StateError))
}
