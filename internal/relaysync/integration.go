package relaysync

import (
	"fmt"
	"strings"
)

type StartMode string

const (
	// StartImmediately runs the job as soon as it is registered.
	StartImmediately StartMode = "immediate"
	// StartOnWebhook registers the job and waits for the vendor's
	// completion webhook before fetching anything.
	StartOnWebhook StartMode = "webhook"
)

// Integration binds one configured vendor instance to its sink.
type Integration struct {
	Name            string
	Kind            string
	Source          Source
	Sink            Sink
	PageSize        int
	SucceededEvents []string
	StartMode       StartMode
	WebhookSecret   string
}

func (i Integration) validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return fmt.Errorf("%w: integration name is required", ErrInvalidInput)
	}
	if strings.Contains(i.Name, "/") {
		return fmt.Errorf("%w: integration name %q must not contain '/'", ErrInvalidInput, i.Name)
	}
	if i.Source == nil {
		return fmt.Errorf("%w: integration %s has no source", ErrInvalidInput, i.Name)
	}
	if i.Sink == nil {
		return fmt.Errorf("%w: integration %s has no sink", ErrInvalidInput, i.Name)
	}
	if i.PageSize < 0 || i.PageSize > MaxPageSize {
		return fmt.Errorf("%w: integration %s page size %d outside 1..%d", ErrInvalidInput, i.Name, i.PageSize, MaxPageSize)
	}
	return nil
}

// Accepts reports whether eventType is one of the allow-listed completion
// events. An integration without an allow list accepts every event.
func (i Integration) Accepts(eventType string) bool {
	if len(i.SucceededEvents) == 0 {
		return true
	}
	eventType = strings.TrimSpace(eventType)
	for _, allowed := range i.SucceededEvents {
		if strings.EqualFold(allowed, eventType) {
			return true
		}
	}
	return false
}

func (i Integration) continuationEventType() string {
	if len(i.SucceededEvents) > 0 {
		return i.SucceededEvents[0]
	}
	return ContinuationEventType
}
