package relaysync

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestProgressHubFiltersByIntegration(t *testing.T) {
	hub := NewProgressHub(2)
	acme, unsubscribeAcme := hub.Subscribe("acme")
	all, unsubscribeAll := hub.Subscribe("")
	defer unsubscribeAll()

	hub.Publish(ProgressEvent{Integration: "other", JobID: "x", Phase: PhaseBatch})
	hub.Publish(ProgressEvent{Integration: "acme", JobID: "y", Phase: PhaseCompleted})

	if event := <-acme; event.JobID != "y" || event.Timestamp.IsZero() {
		t.Fatalf("unexpected acme event: %+v", event)
	}
	if len(all) != 2 {
		t.Fatalf("expected wildcard subscriber to see both events, got %d", len(all))
	}
	if hub.Subscribers() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", hub.Subscribers())
	}
	unsubscribeAcme()
	unsubscribeAcme()
	if _, open := <-acme; open {
		t.Fatalf("expected channel to be closed after unsubscribe")
	}
	if hub.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.Subscribers())
	}
}

func TestProgressHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewProgressHub(1)
	events, unsubscribe := hub.Subscribe("")
	defer unsubscribe()
	for i := 0; i < 5; i++ {
		hub.Publish(ProgressEvent{Integration: "acme", Offset: i})
	}
	if len(events) != 1 {
		t.Fatalf("expected buffered channel to hold one event, got %d", len(events))
	}
}

func TestNilProgressHubAndMetricsAreNoOps(t *testing.T) {
	var hub *ProgressHub
	hub.Publish(ProgressEvent{})
	events, unsubscribe := hub.Subscribe("")
	unsubscribe()
	if _, open := <-events; open {
		t.Fatalf("expected closed channel from nil hub")
	}
	var metrics *Metrics
	metrics.RecordRun("acme", "completed", 0)
	metrics.RecordBatch("acme", SinkResult{Succeeded: 1})
	metrics.RecordContinuation("acme", "delivered")
	metrics.RecordLockContention("acme")
	metrics.RecordStall("acme", "redelivered")
}

func TestMetricsHandlerExposesSyncCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.RecordRun("acme", "handoff", 0)
	metrics.RecordBatch("acme", SinkResult{Succeeded: 3, Failed: 1})
	metrics.RecordLockContention("acme")

	recorder := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(recorder.Body)
	text := string(body)
	for _, want := range []string{
		`relaysync_runs_total{integration="acme",outcome="handoff"} 1`,
		`relaysync_items_total{integration="acme",result="succeeded"} 3`,
		`relaysync_items_total{integration="acme",result="failed"} 1`,
		`relaysync_lock_contended_total{integration="acme"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected metrics output to contain %q", want)
		}
	}
}
