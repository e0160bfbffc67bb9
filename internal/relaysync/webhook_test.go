package relaysync

import (
	"errors"
	"testing"
)

func TestWebhookParserAcceptsVendorNotification(t *testing.T) {
	parser, err := NewWebhookParser()
	if err != nil {
		t.Fatalf("new parser: %v", err)
	}
	event, err := parser.Parse([]byte(`{"eventType":"ACTOR.RUN.SUCCEEDED","resource":{"id":" run-42 ","defaultDatasetId":"ds"}}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if event.JobID != "run-42" || event.EventType != ApifySucceededEvent || event.Continuation {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Resource["defaultDatasetId"] != "ds" {
		t.Fatalf("expected resource to be kept, got %+v", event.Resource)
	}
}

func TestWebhookParserRecognizesContinuation(t *testing.T) {
	parser, _ := NewWebhookParser()
	event, err := parser.Parse([]byte(`{"type":"relaysync.continuation","eventType":"ACTOR.RUN.SUCCEEDED","resource":{"id":"run-1"},"continuation":{"nextOffset":50,"invocations":1,"deliveryId":"d-1"}}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !event.Continuation || event.DeliveryID != "d-1" {
		t.Fatalf("expected continuation event, got %+v", event)
	}
}

func TestWebhookParserRejectsMalformedPayloads(t *testing.T) {
	parser, _ := NewWebhookParser()
	cases := map[string]string{
		"not json":          `{`,
		"missing eventType": `{"resource":{"id":"run-1"}}`,
		"numeric id":        `{"eventType":"X","resource":{"id":42}}`,
		"blank id":          `{"eventType":"X","resource":{"id":"   "}}`,
		"negative offset":   `{"eventType":"X","resource":{"id":"a"},"continuation":{"nextOffset":-1}}`,
		"array body":        `[]`,
	}
	for name, body := range cases {
		if _, err := parser.Parse([]byte(body)); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestIntegrationAccepts(t *testing.T) {
	integration := Integration{SucceededEvents: []string{ApifySucceededEvent}}
	if !integration.Accepts("actor.run.succeeded") {
		t.Fatalf("expected case-insensitive match")
	}
	if integration.Accepts("ACTOR.RUN.FAILED") {
		t.Fatalf("expected unlisted event to be rejected")
	}
	if !(Integration{}).Accepts("anything") {
		t.Fatalf("integration without allow list should accept everything")
	}
}
