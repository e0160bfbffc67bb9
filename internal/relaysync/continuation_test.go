package relaysync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSignContinuationIsStable(t *testing.T) {
	first := SignContinuation("secret", "2026-03-01T12:00:00Z", []byte(`{"a":1}`))
	second := SignContinuation("secret", "2026-03-01T12:00:00Z", []byte(`{"a":1}`))
	if first != second || len(first) != 64 {
		t.Fatalf("expected stable hex sha256 signature, got %q and %q", first, second)
	}
	if SignContinuation("other", "2026-03-01T12:00:00Z", []byte(`{"a":1}`)) == first {
		t.Fatalf("signature must depend on the secret")
	}
	if SignContinuation("secret", "2026-03-01T12:00:01Z", []byte(`{"a":1}`)) == first {
		t.Fatalf("signature must depend on the timestamp")
	}
}

func TestContinuationTriggerRetriesThenDelivers(t *testing.T) {
	var calls int32
	var correlation string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		correlation = r.Header.Get(HeaderCorrelationID)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := NewInMemoryCheckpointStore()
	trigger := NewContinuationTrigger(ContinuationOptions{
		Integration: "acme",
		Store:       store,
		URL:         server.URL,
		Secret:      "s",
		HTTPClient:  server.Client(),
		MaxRetries:  2,
		BaseDelay:   time.Millisecond,
		Logger:      zerolog.Nop(),
	})
	token := ResumeToken{NextOffset: 20, Invocations: 1}
	if err := trigger.Schedule(context.Background(), SyncJob{JobID: "run-1", TargetID: "kb"}, token); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
	if correlation == "" {
		t.Fatalf("expected correlation id header")
	}
	var stored ResumeToken
	if _, err := loadJSON(context.Background(), store, continuationKey("run-1"), &stored); err != nil {
		t.Fatalf("load token: %v", err)
	}
	if stored.Status != StatusPendingContinuation || stored.TargetID != "kb" || stored.NextOffset != 20 {
		t.Fatalf("unexpected stored token: %+v", stored)
	}
}

func TestContinuationTriggerWithoutURLMarksStalled(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	hub := NewProgressHub(4)
	events, unsubscribe := hub.Subscribe("acme")
	defer unsubscribe()

	trigger := NewContinuationTrigger(ContinuationOptions{Integration: "acme", Store: store, Progress: hub})
	err := trigger.Schedule(context.Background(), SyncJob{JobID: "run-2", TargetID: "kb"}, ResumeToken{NextOffset: 7})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	raw, _ := store.Get(context.Background(), continuationKey("run-2"))
	var stored ResumeToken
	_ = json.Unmarshal(raw, &stored)
	if stored.Status != StatusStalled || stored.LastDeliveryError == "" {
		t.Fatalf("expected stalled token, got %+v", stored)
	}
	select {
	case event := <-events:
		if event.Phase != PhaseStalled || event.Offset != 7 {
			t.Fatalf("unexpected progress event: %+v", event)
		}
	default:
		t.Fatalf("expected stalled progress event")
	}
}

func TestContinuationTriggerScheduleHonorsCancellation(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	trigger := NewContinuationTrigger(ContinuationOptions{
		Integration: "acme",
		Store:       store,
		URL:         "http://127.0.0.1:1/unused",
		Delay:       time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := trigger.Schedule(ctx, SyncJob{JobID: "run-3", TargetID: "kb"}, ResumeToken{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	var stored ResumeToken
	_, _ = loadJSON(context.Background(), store, continuationKey("run-3"), &stored)
	if stored.Status != StatusStalled {
		t.Fatalf("expected interrupted handoff to be stalled, got %s", stored.Status)
	}
}
