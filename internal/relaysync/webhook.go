package relaysync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const webhookSchemaURL = "https://relaysync.local/schemas/webhook.json"

const webhookSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["eventType", "resource"],
	"properties": {
		"type": {"type": "string"},
		"eventType": {"type": "string", "minLength": 1},
		"resource": {
			"type": "object",
			"required": ["id"],
			"properties": {
				"id": {"type": "string", "minLength": 1}
			}
		},
		"continuation": {
			"type": "object",
			"properties": {
				"nextOffset": {"type": "integer", "minimum": 0},
				"invocations": {"type": "integer", "minimum": 0},
				"deliveryId": {"type": "string"}
			}
		}
	}
}`

type WebhookEvent struct {
	Type         string
	EventType    string
	JobID        string
	Continuation bool
	DeliveryID   string
	Resource     map[string]any
}

// WebhookParser validates inbound webhook bodies against the completion
// notification schema shared by vendor and continuation deliveries.
type WebhookParser struct {
	schema *jsonschema.Schema
}

func NewWebhookParser() (*WebhookParser, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(webhookSchemaURL, doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(webhookSchemaURL)
	if err != nil {
		return nil, err
	}
	return &WebhookParser{schema: schema}, nil
}

// Parse returns an ErrInvalidInput wrapped error for any body that is not a
// well-formed completion notification.
func (p *WebhookParser) Parse(body []byte) (WebhookEvent, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: webhook body is not json: %v", ErrInvalidInput, err)
	}
	if err := p.schema.Validate(instance); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var payload struct {
		Type         string         `json:"type"`
		EventType    string         `json:"eventType"`
		Resource     map[string]any `json:"resource"`
		Continuation *struct {
			DeliveryID string `json:"deliveryId"`
		} `json:"continuation"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	jobID, _ := payload.Resource["id"].(string)
	event := WebhookEvent{
		Type:         strings.TrimSpace(payload.Type),
		EventType:    strings.TrimSpace(payload.EventType),
		JobID:        strings.TrimSpace(jobID),
		Continuation: strings.TrimSpace(payload.Type) == ContinuationEventType,
		Resource:     payload.Resource,
	}
	if payload.Continuation != nil {
		event.DeliveryID = payload.Continuation.DeliveryID
	}
	if event.JobID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: resource.id is blank", ErrInvalidInput)
	}
	return event, nil
}
