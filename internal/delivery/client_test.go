package delivery

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-Event") != "anomaly" {
			t.Errorf("x-event = %q", r.Header.Get("X-Event"))
		}
		if r.Header.Get("X-Source") != "orders" {
			t.Errorf("x-source = %q", r.Header.Get("X-Source"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient()
	res := c.Send(context.Background(), Request{
		URL: srv.URL, Body: []byte(`{}`), EventType: "anomaly", SourceName: "orders",
	})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.HTTPStatus != 200 {
		t.Errorf("status = %d, want 200", res.HTTPStatus)
	}
}

func TestSendSignatureHeader(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient()
	body := []byte(`{"a":1}`)
	want := "sha256=" + hmacHex(t, "s3cr3t", body)
	c.Send(context.Background(), Request{URL: srv.URL, Body: body, Signature: hmacHex(t, "s3cr3t", body)})
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
}

func hmacHex(t *testing.T, secret string, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// withFastRetries swaps the package retry schedule for zero-delay retries
// for the duration of one test, so retry-path tests don't burn 21s of real
// sleep on the production {0, 1s, 5s, 15s} schedule.
func withFastRetries(t *testing.T) {
	t.Helper()
	saved := retryDelays
	retryDelays = []time.Duration{0, 0, 0, 0}
	t.Cleanup(func() { retryDelays = saved })
}

func TestSendRetriesOn5xxThenSucceeds(t *testing.T) {
	withFastRetries(t)
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient()
	res := c.Send(context.Background(), Request{URL: srv.URL, Body: []byte(`{}`)})
	if !res.Success {
		t.Fatalf("expected eventual success, got %+v", res)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestSendDoesNotRetryTerminal4xx(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient()
	res := c.Send(context.Background(), Request{URL: srv.URL, Body: []byte(`{}`)})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.HTTPStatus != 400 {
		t.Errorf("status = %d, want 400", res.HTTPStatus)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on terminal 4xx)", attempts)
	}
}

func TestSendRetriesExhaustedAfterFourAttempts(t *testing.T) {
	withFastRetries(t)
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient()
	res := c.Send(context.Background(), Request{URL: srv.URL, Body: []byte(`{}`)})
	if res.Success {
		t.Fatal("expected failure after exhausting retries")
	}
	if atomic.LoadInt32(&attempts) != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
}

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		status int
		errMsg string
		want   bool
	}{
		{500, "", true},
		{502, "", true},
		{408, "", true},
		{425, "", true},
		{429, "", true},
		{400, "", false},
		{404, "", false},
		{200, "", false},
		{0, "dial tcp: connection refused", true},
	}
	for _, tt := range tests {
		if got := retryableStatus(tt.status, tt.errMsg); got != tt.want {
			t.Errorf("retryableStatus(%d, %q) = %v, want %v", tt.status, tt.errMsg, got, tt.want)
		}
	}
}

func TestSendSucceedsWhenResponseArrivesWithinTimeout(t *testing.T) {
	withFastRetries(t)
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			time.Sleep(100 * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient()
	res := c.Send(context.Background(), Request{URL: srv.URL, Body: []byte(`{}`), TimeoutSecs: 1})
	// Per-attempt timeout (1s) comfortably exceeds the 100ms handler delay,
	// so this exercises the non-retry success path; a real network timeout
	// is covered by retryableStatus's network-error branch above.
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
}
