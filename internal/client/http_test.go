package client

import (
	"net/http"
	"testing"
	"time"
)

func TestGetHTTPClientInitializesWithDefaults(t *testing.T) {
	c := GetHTTPClient()
	if c == nil {
		t.Fatal("expected non-nil client")
	}
	if c.Timeout != 0 {
		t.Fatalf("expected no client-level timeout, got %v", c.Timeout)
	}
	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", c.Transport)
	}
	if tr.MaxIdleConnsPerHost != defaultMaxIdleConnsPerHost {
		t.Fatalf("expected MaxIdleConnsPerHost %d, got %d", defaultMaxIdleConnsPerHost, tr.MaxIdleConnsPerHost)
	}
	if !tr.ForceAttemptHTTP2 {
		t.Fatal("expected ForceAttemptHTTP2 to be enabled")
	}
}

func TestInitHTTPClientFillsZeroValues(t *testing.T) {
	InitHTTPClient(&Config{DialTimeout: 1 * time.Second})
	defer InitHTTPClient(nil)

	tr := GetHTTPClient().Transport.(*http.Transport)
	if tr.MaxIdleConns != defaultMaxIdleConns {
		t.Fatalf("expected zero MaxIdleConns to default to %d, got %d", defaultMaxIdleConns, tr.MaxIdleConns)
	}
	if tr.IdleConnTimeout != defaultIdleConnTimeout {
		t.Fatalf("expected zero IdleConnTimeout to default to %v, got %v", defaultIdleConnTimeout, tr.IdleConnTimeout)
	}
}

func TestConfigureTurboModeRaisesPoolLimits(t *testing.T) {
	ConfigureTurboMode()
	defer InitHTTPClient(nil)

	tr := GetHTTPClient().Transport.(*http.Transport)
	if tr.MaxConnsPerHost != 200 {
		t.Fatalf("expected turbo MaxConnsPerHost 200, got %d", tr.MaxConnsPerHost)
	}
	if tr.MaxIdleConns != 500 {
		t.Fatalf("expected turbo MaxIdleConns 500, got %d", tr.MaxIdleConns)
	}
}
