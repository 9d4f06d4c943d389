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

/*
Package retrieval models one fetch attempt against a remote tile or document
service as a small finite state machine:

	not-started -> connecting -> reading -> {successful | error | interrupted}

A Retriever is executed synchronously by exactly one scheduler worker; its
state and progress counters may be observed concurrently at any time (a
progress monitor polls them), which is why they live behind atomics. The
scheduler treats a Retriever as opaque work: the wire protocol, response
interpretation and result persistence all belong to collaborators.
*/

import (
	"context"
	"errors"
	"time"
)

// ErrInterrupted is returned by Run when the attempt was cancelled at a phase
// boundary or mid-read. It marks the Interrupted outcome, which is expected
// behavior during shutdown and never logged as a failure.
var ErrInterrupted = errors.New("retrieval interrupted")

// Retriever is one unit of retrieval work.
type Retriever interface {
	// Identity returns the stable resource name used for deduplication.
	// Two retrievers with the same identity are duplicates.
	Identity() string
	// State returns the current lifecycle phase. Safe to call concurrently
	// with Run.
	State() State
	// ContentType returns the payload media type, known once headers arrive.
	ContentType() string
	// ContentLength returns the expected payload size in bytes, or -1 when
	// the server did not declare one.
	ContentLength() int64
	// ContentLengthRead returns the number of payload bytes read so far.
	// Monotonically non-decreasing during one execution.
	ContentLengthRead() int64
	// Buffer returns the retrieved payload. Meaningful only once State
	// is StateSuccessful.
	Buffer() []byte
	// Expiration returns the metadata expiration timestamp for the payload,
	// zero when unknown.
	Expiration() time.Time
	// Run executes the attempt to completion. Blocking; invoked at most once.
	Run(ctx context.Context) error
}

// PostProcessor is the caller-supplied end-of-life hook, invoked exactly once
// after the retriever reaches a terminal state and before the scheduling
// handle is marked done. A non-nil returned buffer replaces the retriever's
// content buffer; a returned error converts the outcome to Error and
// propagates to the handle.
type PostProcessor func(r Retriever) ([]byte, error)

// HostStatusLogger receives per-host availability signals from retrievers.
// The scheduler's health tracker implements it.
type HostStatusLogger interface {
	LogAvailableHost(host string)
	LogUnavailableHost(host string)
}
