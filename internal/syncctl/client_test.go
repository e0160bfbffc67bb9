package syncctl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/integrations/apify-main/jobs/run-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jobId":"run-1","state":"pending_continuation","lockHeld":false}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "token", server.Client())
	status, err := client.Status(context.Background(), "apify-main", "run-1")
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if status.State != "pending_continuation" {
		t.Fatalf("unexpected status %+v", status)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", calls)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"forbidden","message":"missing required scope: sync:trigger"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "token", server.Client()).Redeliver(context.Background(), "acme", "run-1")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusForbidden || httpErr.Code != "forbidden" {
		t.Fatalf("unexpected error %+v", httpErr)
	}
}

func TestClientStartSyncAndStalled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/integrations/acme/actions/startSync":
			var req relaysync.StartRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.JobID != "run-2" || req.TargetID != "kb" || !req.Run {
				t.Errorf("unexpected start request %+v", req)
			}
			_, _ = w.Write([]byte(`{"success":true,"message":"processed 50 items; continuing from offset 50","data":{"itemsCount":50,"hasMore":true,"nextOffset":50}}`))
		case "/v1/integrations/acme/stalled":
			_, _ = w.Write([]byte(`{"integration":"acme","jobs":[{"jobId":"run-3","nextOffset":10,"status":"dead_lettered","deliveryAttempts":5}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()
	client := NewClient(server.URL, "token", server.Client())

	result, err := client.StartSync(context.Background(), "acme", relaysync.StartRequest{JobID: "run-2", TargetID: "kb", Run: true})
	if err != nil {
		t.Fatalf("start sync: %v", err)
	}
	if !result.Success || !result.Data.HasMore || result.Data.NextOffset != 50 {
		t.Fatalf("unexpected result %+v", result)
	}
	stalled, err := client.Stalled(context.Background(), "acme")
	if err != nil {
		t.Fatalf("stalled: %v", err)
	}
	if len(stalled.Jobs) != 1 || stalled.Jobs[0].Status != relaysync.StatusDeadLettered || stalled.Jobs[0].DeliveryAttempts != 5 {
		t.Fatalf("unexpected stalled jobs %+v", stalled)
	}
}

func TestTailProgressReadsUntilNormalClosure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/integrations/acme/progress" || r.URL.Query().Get("jobId") != "run-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, relaysync.ProgressEvent{Integration: "acme", JobID: "run-1", Phase: relaysync.PhaseBatch, Offset: 50})
		_ = wsjson.Write(ctx, conn, relaysync.ProgressEvent{Integration: "acme", JobID: "run-1", Phase: relaysync.PhaseCompleted, ItemsProcessed: 80})
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var events []relaysync.ProgressEvent
	err := NewClient(server.URL, "token", server.Client()).TailProgress(ctx, "acme", "run-1", func(event relaysync.ProgressEvent) error {
		events = append(events, event)
		return nil
	})
	if err != nil {
		t.Fatalf("tail progress: %v", err)
	}
	if len(events) != 2 || events[1].Phase != relaysync.PhaseCompleted || events[1].ItemsProcessed != 80 {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestProgressURLUsesWebSocketScheme(t *testing.T) {
	client := NewClient("https://sync.example.com/", "t", nil)
	got, err := client.progressURL("sp docs", "")
	if err != nil {
		t.Fatalf("progress url: %v", err)
	}
	if got != "wss://sync.example.com/v1/integrations/sp%20docs/progress" {
		t.Fatalf("unexpected url %s", got)
	}
}
