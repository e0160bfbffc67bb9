package relaysync

import (
	"sync"
	"time"
)

type ProgressPhase string

const (
	PhaseBatch     ProgressPhase = "batch"
	PhaseHandoff   ProgressPhase = "handoff"
	PhaseCompleted ProgressPhase = "completed"
	PhaseFailed    ProgressPhase = "failed"
	PhaseSkipped   ProgressPhase = "skipped"
	PhaseStalled   ProgressPhase = "stalled"
)

type ProgressEvent struct {
	Integration    string        `json:"integration"`
	JobID          string        `json:"jobId"`
	Phase          ProgressPhase `json:"phase"`
	Offset         int           `json:"offset"`
	Total          int           `json:"total,omitempty"`
	ItemsProcessed int           `json:"itemsProcessed"`
	FilesCreated   int           `json:"filesCreated"`
	Message        string        `json:"message,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// ProgressHub fans progress events out to subscribers. Slow subscribers
// lose events rather than block a sync. A nil *ProgressHub drops everything.
type ProgressHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]progressSubscriber
	buffer int
}

type progressSubscriber struct {
	integration string
	ch          chan ProgressEvent
}

func NewProgressHub(buffer int) *ProgressHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &ProgressHub{subs: map[int]progressSubscriber{}, buffer: buffer}
}

// Subscribe returns a channel of events for integration, or for every
// integration when integration is empty, and a function that unsubscribes.
func (h *ProgressHub) Subscribe(integration string) (<-chan ProgressEvent, func()) {
	if h == nil {
		ch := make(chan ProgressEvent)
		close(ch)
		return ch, func() {}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan ProgressEvent, h.buffer)
	h.subs[id] = progressSubscriber{integration: integration, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

func (h *ProgressHub) Publish(event ProgressEvent) {
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.integration != "" && sub.integration != event.Integration {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

func (h *ProgressHub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
