package relaysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sliceSource serves numbered items out of a fixed slice, reporting the
// total like an offset paginated vendor.
type sliceSource struct {
	mu        sync.Mutex
	items     []Item
	hideTotal bool
	failAt    map[int]error
	offsets   []int
	prepared  int
	prior     json.RawMessage
	state     json.RawMessage
}

func newSliceSource(n int) *sliceSource {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{Key: fmt.Sprintf("item-%04d", i), Fields: map[string]any{"index": i}}
	}
	return &sliceSource{items: items, failAt: map[int]error{}}
}

func (s *sliceSource) FetchPage(_ context.Context, req PageRequest) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets = append(s.offsets, req.Offset)
	if err, ok := s.failAt[req.Offset]; ok {
		return Page{}, err
	}
	page := Page{}
	if !s.hideTotal {
		page.Total = len(s.items)
	}
	if req.Offset >= len(s.items) {
		return page, nil
	}
	end := req.Offset + req.Limit
	if end > len(s.items) {
		end = len(s.items)
	}
	page.Items = append([]Item(nil), s.items[req.Offset:end]...)
	return page, nil
}

func (s *sliceSource) fetchedOffsets() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.offsets...)
}

// preparingSource adds a Prepare hook to sliceSource.
type preparingSource struct {
	*sliceSource
}

func (s preparingSource) Prepare(_ context.Context, _ SyncJob, prior json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared++
	s.prior = prior
	if s.state != nil {
		return s.state, nil
	}
	return json.RawMessage(`{"prepared":true}`), nil
}

var errMalformedItem = errors.New("malformed item")

// recordingSink accepts every item except those listed in reject, and can
// advance a clock to simulate slow side effects.
type recordingSink struct {
	mu      sync.Mutex
	keys    []string
	reject  map[string]bool
	clock   *fakeClock
	latency time.Duration
	failErr error
	calls   int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{reject: map[string]bool{}}
}

func (s *recordingSink) Process(ctx context.Context, items []Item, _ string) (SinkResult, error) {
	s.mu.Lock()
	s.calls++
	failErr := s.failErr
	s.mu.Unlock()
	if failErr != nil {
		return SinkResult{}, failErr
	}
	if s.clock != nil && s.latency > 0 {
		s.clock.Advance(s.latency)
	}
	return processEach(ctx, items, func(_ context.Context, item Item) (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.reject[item.Key] {
			return false, errMalformedItem
		}
		s.keys = append(s.keys, item.Key)
		return true, nil
	})
}

func (s *recordingSink) sunk() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func (s *recordingSink) processCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// failingStore wraps a store and fails selected operations on keys with a
// given prefix.
type failingStore struct {
	CheckpointStore
	failDeletePrefix string
	failGet          bool
}

var errStoreDown = errors.New("store unavailable")

func (s *failingStore) Delete(ctx context.Context, key string) error {
	if s.failDeletePrefix != "" && len(key) >= len(s.failDeletePrefix) && key[:len(s.failDeletePrefix)] == s.failDeletePrefix {
		return errStoreDown
	}
	return s.CheckpointStore.Delete(ctx, key)
}

func (s *failingStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if s.failGet {
		return nil, errStoreDown
	}
	return s.CheckpointStore.Get(ctx, key)
}

// hookStore runs a callback once before the first Get or Delete of a key,
// letting tests interleave invocations at exact points.
type hookStore struct {
	CheckpointStore
	mu           sync.Mutex
	beforeGet    map[string]func()
	beforeDelete map[string]func()
}

func (s *hookStore) take(hooks map[string]func(), key string) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn := hooks[key]
	delete(hooks, key)
	return fn
}

func (s *hookStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if fn := s.take(s.beforeGet, key); fn != nil {
		fn()
	}
	return s.CheckpointStore.Get(ctx, key)
}

func (s *hookStore) Delete(ctx context.Context, key string) error {
	if fn := s.take(s.beforeDelete, key); fn != nil {
		fn()
	}
	return s.CheckpointStore.Delete(ctx, key)
}
