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

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/x-stp/tilerq/internal/client"
	"github.com/x-stp/tilerq/internal/util"
)

// Kind tags the protocol family of a URLRetriever. The scheduler never type
// switches on retriever implementations; protocol-specific response-code
// validation hangs off this tag instead.
type Kind int

const (
	// KindHTTP is a plain document or tile fetch; only 200 is acceptable.
	KindHTTP Kind = iota
	// KindArchive is a ranged archive-stream fetch; 206 partial responses
	// are acceptable in addition to 200.
	KindArchive
)

// Accepts reports whether status is a valid response code for this kind.
func (k Kind) Accepts(status int) bool {
	switch k {
	case KindArchive:
		return status == http.StatusOK || status == http.StatusPartialContent
	default:
		return status == http.StatusOK
	}
}

func (k Kind) String() string {
	if k == KindArchive {
		return "archive"
	}
	return "http"
}

// StatusError reports a response code the retriever's kind does not accept.
type StatusError struct {
	Code     int
	Identity string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d for %s", e.Code, e.Identity)
}

// PostProcessError wraps a failure raised by the end-of-life hook so the
// scheduler can classify it separately from transport failures.
type PostProcessError struct {
	Cause error
}

func (e *PostProcessError) Error() string { return "post-processing failed: " + e.Cause.Error() }
func (e *PostProcessError) Unwrap() error { return e.Cause }

// readChunkSize is the body read granularity. Cancellation is polled between
// chunks, so this also bounds cancellation latency during the read phase.
const readChunkSize = 32 * 1024

// Options configures a URLRetriever. The zero value is usable; absent
// timeouts mean the shared transport's bounds apply alone.
type Options struct {
	Kind           Kind
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Expiration     time.Time
	PostProcessor  PostProcessor
	Health         HostStatusLogger
	// Client overrides the shared HTTP client; tests use this.
	Client *http.Client
}

// URLRetriever fetches one URL over HTTP(S). It implements Retriever.
//
// Field split follows the scheduler's single-writer rule: immutable fields
// are set at construction; mutable fields are written only by the executing
// worker, and the poller-visible ones (state, progress, status) are atomic.
type URLRetriever struct {
	// Immutable fields
	rawURL     string
	identity   string
	host       string
	kind       Kind
	connectTO  time.Duration
	readTO     time.Duration
	expiration time.Time
	post       PostProcessor
	health     HostStatusLogger
	httpClient *http.Client

	// Observable by concurrent pollers
	state       stateCell
	status      atomic.Int32
	contentLen  atomic.Int64
	bytesRead   atomic.Int64
	contentType atomic.Value // string

	// Owned by the executing worker
	ran atomic.Bool
	buf bytes.Buffer
	out []byte
}

// NewURLRetriever creates a retriever for rawURL. The resource identity is
// the normalized URL, so http/https and trailing-slash variants of the same
// resource deduplicate to one retrieval.
func NewURLRetriever(rawURL string, opts *Options) *URLRetriever {
	if opts == nil {
		opts = &Options{}
	}
	identity := util.NormalizeIdentity(rawURL)
	r := &URLRetriever{
		rawURL:     rawURL,
		identity:   identity,
		host:       util.HostOf(identity),
		kind:       opts.Kind,
		connectTO:  opts.ConnectTimeout,
		readTO:     opts.ReadTimeout,
		expiration: opts.Expiration,
		post:       opts.PostProcessor,
		health:     opts.Health,
		httpClient: opts.Client,
	}
	r.contentLen.Store(-1)
	return r
}

// Identity implements Retriever.
func (r *URLRetriever) Identity() string { return r.identity }

// Host returns the host portion of the identity, used for health tracking.
func (r *URLRetriever) Host() string { return r.host }

// Kind returns the protocol family tag.
func (r *URLRetriever) Kind() Kind { return r.kind }

// State implements Retriever.
func (r *URLRetriever) State() State { return r.state.load() }

// StatusCode returns the HTTP response code observed by this attempt, or 0
// before headers arrived. This is the tagged variant's response-code accessor.
func (r *URLRetriever) StatusCode() int { return int(r.status.Load()) }

// ContentType implements Retriever.
func (r *URLRetriever) ContentType() string {
	if v, ok := r.contentType.Load().(string); ok {
		return v
	}
	return ""
}

// ContentLength implements Retriever.
func (r *URLRetriever) ContentLength() int64 { return r.contentLen.Load() }

// ContentLengthRead implements Retriever.
func (r *URLRetriever) ContentLengthRead() int64 { return r.bytesRead.Load() }

// Expiration implements Retriever.
func (r *URLRetriever) Expiration() time.Time { return r.expiration }

// Buffer implements Retriever. Only meaningful once State is Successful;
// the worker is done writing by then, so no copy is taken.
func (r *URLRetriever) Buffer() []byte {
	if r.out != nil {
		return r.out
	}
	return r.buf.Bytes()
}

// Run executes the retrieval attempt. See the package comment for the state
// machine. The end-of-life hook always runs, whatever the outcome.
func (r *URLRetriever) Run(ctx context.Context) (err error) {
	if !r.ran.CompareAndSwap(false, true) {
		return fmt.Errorf("retriever for %s already executed", r.identity)
	}

	// Cancelled before any side effect: interrupted, nothing else happens,
	// not even the hook (the attempt never started).
	if ctx.Err() != nil {
		r.state.store(StateInterrupted)
		return ErrInterrupted
	}

	// End-of-life hook. Runs exactly once on every path past this point.
	defer func() {
		if r.post == nil {
			return
		}
		out, hookErr := r.post(r)
		if hookErr != nil {
			r.state.forceError()
			hookErr = &PostProcessError{Cause: hookErr}
			if err == nil {
				err = hookErr
			}
			return
		}
		if out != nil {
			r.out = out
		}
	}()

	// Per-attempt deadline. The connect phase is additionally bounded by the
	// shared transport's dial and response-header timeouts; the context
	// deadline is what bounds the body read.
	if total := r.connectTO + r.readTO; total > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, total)
		defer cancel()
	}

	r.state.store(StateConnecting)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.rawURL, nil)
	if err != nil {
		r.state.store(StateError)
		return fmt.Errorf("building request for %s: %w", r.identity, err)
	}
	req.Header.Set("User-Agent", "tilerq (+https://github.com/x-stp/tilerq)")

	httpClient := r.httpClient
	if httpClient == nil {
		httpClient = client.GetHTTPClient()
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			r.state.store(StateInterrupted)
			return ErrInterrupted
		}
		r.state.store(StateError)
		r.logHostUnavailable()
		return fmt.Errorf("connecting to %s: %w", r.identity, err)
	}
	defer resp.Body.Close()

	r.status.Store(int32(resp.StatusCode))
	r.contentType.Store(resp.Header.Get("Content-Type"))
	if resp.ContentLength >= 0 {
		r.contentLen.Store(resp.ContentLength)
	}

	if !r.kind.Accepts(resp.StatusCode) {
		r.state.store(StateError)
		return &StatusError{Code: resp.StatusCode, Identity: r.identity}
	}

	// Cancelled between connect and read: interrupted, no read side effects.
	if ctx.Err() != nil {
		r.state.store(StateInterrupted)
		return ErrInterrupted
	}

	r.state.store(StateReading)

	if err := r.readBody(ctx, resp.Body); err != nil {
		if errors.Is(err, ErrInterrupted) {
			r.state.store(StateInterrupted)
			return ErrInterrupted
		}
		r.state.store(StateError)
		r.logHostUnavailable()
		return fmt.Errorf("reading %s: %w", r.identity, err)
	}

	// A zero-length payload is "no content", not an error.
	r.state.store(StateSuccessful)
	if r.health != nil {
		r.health.LogAvailableHost(r.host)
	}
	return nil
}

// readBody copies the payload into the content buffer in chunks, bumping the
// progress counter and polling cancellation between chunks.
func (r *URLRetriever) readBody(ctx context.Context, body io.Reader) error {
	chunk := make([]byte, readChunkSize)
	for {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		n, err := body.Read(chunk)
		if n > 0 {
			r.buf.Write(chunk[:n])
			r.bytesRead.Add(int64(n))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return ErrInterrupted
			}
			return err
		}
	}
}

func (r *URLRetriever) logHostUnavailable() {
	if r.health != nil {
		r.health.LogUnavailableHost(r.host)
	}
}
