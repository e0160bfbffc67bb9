package relaysync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRESTClientRetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer server.Close()

	client := newTestRESTClient(server, "t")
	var out struct {
		OK bool `json:"ok"`
	}
	resp, err := client.Do(context.Background(), http.MethodGet, "/v1/thing", nil, nil, &out)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if !out.OK || resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected response %+v out=%+v", resp, out)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRESTClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"record-not-found","message":"Actor run was not found"}}`))
	}))
	defer server.Close()

	_, err := newTestRESTClient(server, "t").Do(context.Background(), http.MethodGet, "/v2/actor-runs/x", nil, nil, nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusNotFound || httpErr.Code != "record-not-found" || httpErr.Message != "Actor run was not found" {
		t.Fatalf("unexpected error fields: %+v", httpErr)
	}
	if httpErr.Retryable() || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("client errors must not be retried, calls=%d", calls)
	}
}

func TestRESTClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewRESTClient(RESTClientOptions{BaseURL: server.URL, HTTPClient: server.Client(), MaxRetries: 2, BaseDelay: time.Millisecond})
	_, err := client.Do(context.Background(), http.MethodGet, "/x", nil, nil, nil)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d", calls)
	}
}

func TestRESTClientNegativeMaxRetriesDisablesRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewRESTClient(RESTClientOptions{BaseURL: server.URL, HTTPClient: server.Client(), MaxRetries: -1, BaseDelay: time.Millisecond})
	if _, err := client.Do(context.Background(), http.MethodGet, "/x", nil, nil, nil); err == nil {
		t.Fatalf("expected failure")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestBackoffAndJitter(t *testing.T) {
	if got := backoffDelay(100*time.Millisecond, time.Second, 1); got != 100*time.Millisecond {
		t.Fatalf("unexpected first backoff %s", got)
	}
	if got := backoffDelay(100*time.Millisecond, time.Second, 3); got != 400*time.Millisecond {
		t.Fatalf("unexpected third backoff %s", got)
	}
	if got := backoffDelay(100*time.Millisecond, time.Second, 10); got != time.Second {
		t.Fatalf("expected backoff to cap at max, got %s", got)
	}
	if got := jitterDelay(time.Second, 0.2, 0); got != 800*time.Millisecond {
		t.Fatalf("expected low jitter bound, got %s", got)
	}
	if got := jitterDelay(time.Second, 0.2, 1); got != 1200*time.Millisecond {
		t.Fatalf("expected high jitter bound, got %s", got)
	}
	if got := parseRetryAfterSeconds("7"); got != 7*time.Second {
		t.Fatalf("unexpected retry-after %s", got)
	}
	if got := parseRetryAfterSeconds("Wed, 21 Oct 2015 07:28:00 GMT"); got != 0 {
		t.Fatalf("http-date retry-after should be ignored, got %s", got)
	}
}
