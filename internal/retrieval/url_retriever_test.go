package retrieval

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeHealth records host status notifications.
type fakeHealth struct {
	mu          sync.Mutex
	available   []string
	unavailable []string
}

func (f *fakeHealth) LogAvailableHost(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = append(f.available, host)
}

func (f *fakeHealth) LogUnavailableHost(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = append(f.unavailable, host)
}

func TestRunSuccessful(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("tile-bytes"))
	}))
	defer srv.Close()

	h := &fakeHealth{}
	r := NewURLRetriever(srv.URL+"/tiles/0/0/0.png", &Options{Health: h, Client: srv.Client()})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.State() != StateSuccessful {
		t.Fatalf("state = %v, want successful", r.State())
	}
	if got := string(r.Buffer()); got != "tile-bytes" {
		t.Fatalf("buffer = %q", got)
	}
	if r.ContentType() != "image/png" {
		t.Fatalf("content type = %q", r.ContentType())
	}
	if r.ContentLengthRead() != int64(len("tile-bytes")) {
		t.Fatalf("bytes read = %d", r.ContentLengthRead())
	}
	if r.StatusCode() != http.StatusOK {
		t.Fatalf("status = %d", r.StatusCode())
	}
	if len(h.available) != 1 {
		t.Fatalf("expected one available-host notification, got %v", h.available)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requests++
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewURLRetriever(srv.URL, &Options{Client: srv.Client()})
	err := r.Run(ctx)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	if r.State() != StateInterrupted {
		t.Fatalf("state = %v, want interrupted", r.State())
	}
	if requests != 0 {
		t.Fatalf("expected no request to be made, got %d", requests)
	}
}

func TestRunCancelledDuringRead(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	r := NewURLRetriever(srv.URL, &Options{Client: srv.Client()})

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := r.Run(ctx)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	if r.State() != StateInterrupted {
		t.Fatalf("state = %v, want interrupted", r.State())
	}
}

func TestRunUnexpectedStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.NotFound(w, req)
	}))
	defer srv.Close()

	r := NewURLRetriever(srv.URL, &Options{Client: srv.Client()})
	err := r.Run(context.Background())

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if statusErr.Code != http.StatusNotFound {
		t.Fatalf("code = %d", statusErr.Code)
	}
	if r.State() != StateError {
		t.Fatalf("state = %v, want error", r.State())
	}
}

func TestArchiveKindAcceptsPartialContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("chunk"))
	}))
	defer srv.Close()

	archive := NewURLRetriever(srv.URL, &Options{Kind: KindArchive, Client: srv.Client()})
	if err := archive.Run(context.Background()); err != nil {
		t.Fatalf("archive kind should accept 206: %v", err)
	}
	if archive.State() != StateSuccessful {
		t.Fatalf("state = %v", archive.State())
	}

	plain := NewURLRetriever(srv.URL, &Options{Kind: KindHTTP, Client: srv.Client()})
	err := plain.Run(context.Background())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("http kind should reject 206, got err %v", err)
	}
}

func TestRunZeroLengthBodyIsNotAnError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewURLRetriever(srv.URL, &Options{Client: srv.Client()})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.State() != StateSuccessful {
		t.Fatalf("state = %v", r.State())
	}
	if len(r.Buffer()) != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", len(r.Buffer()))
	}
}

func TestRunTransportFailureNotifiesHealth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {}))
	url := srv.URL
	srv.Close() // Nothing listening anymore.

	h := &fakeHealth{}
	r := NewURLRetriever(url, &Options{Health: h})

	err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected a transport error")
	}
	if r.State() != StateError {
		t.Fatalf("state = %v, want error", r.State())
	}
	if len(h.unavailable) != 1 {
		t.Fatalf("expected one unavailable-host notification, got %v", h.unavailable)
	}
}

func TestPostProcessorReplacesBuffer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("raw"))
	}))
	defer srv.Close()

	r := NewURLRetriever(srv.URL, &Options{
		Client: srv.Client(),
		PostProcessor: func(r Retriever) ([]byte, error) {
			return []byte(strings.ToUpper(string(r.Buffer()))), nil
		},
	})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := string(r.Buffer()); got != "RAW" {
		t.Fatalf("buffer = %q, want post-processed payload", got)
	}
}

func TestPostProcessorFailureConvertsOutcomeToError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("raw"))
	}))
	defer srv.Close()

	hookErr := errors.New("decode failed")
	r := NewURLRetriever(srv.URL, &Options{
		Client: srv.Client(),
		PostProcessor: func(Retriever) ([]byte, error) {
			return nil, hookErr
		},
	})

	err := r.Run(context.Background())
	var ppe *PostProcessError
	if !errors.As(err, &ppe) {
		t.Fatalf("err = %v, want *PostProcessError", err)
	}
	if !errors.Is(err, hookErr) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if r.State() != StateError {
		t.Fatalf("state = %v, want error (converted from successful)", r.State())
	}
}

func TestRunTwiceFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	r := NewURLRetriever(srv.URL, &Options{Client: srv.Client()})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("second Run should fail")
	}
}

func TestIdentityNormalization(t *testing.T) {
	t.Parallel()

	a := NewURLRetriever("https://Tiles.Example.com/0/0/0.png", nil)
	b := NewURLRetriever("http://tiles.example.com/0/0/0.png", nil)
	if a.Identity() != b.Identity() {
		t.Fatalf("identities differ: %q vs %q", a.Identity(), b.Identity())
	}
	if a.Host() != "tiles.example.com" {
		t.Fatalf("host = %q", a.Host())
	}
}
