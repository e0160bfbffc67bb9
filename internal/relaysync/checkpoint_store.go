package relaysync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// CheckpointStore is a key/value store of small JSON documents. Get returns
// a nil value and a nil error when the key is absent.
type CheckpointStore interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Delete(ctx context.Context, key string) error
	// CompareAndSwap replaces the value stored under key with next only if
	// the current value equals prev. A nil prev means the key must be absent.
	CompareAndSwap(ctx context.Context, key string, prev, next json.RawMessage) (bool, error)
	List(ctx context.Context, prefix string) (map[string]json.RawMessage, error)
}

const (
	runMappingPrefix   = "runMapping/"
	continuationPrefix = "syncContinuation/"
	lockPrefix         = "activeSyncLock/"
	sourceStatePrefix  = "sourceState/"
)

func runMappingKey(jobID string) string   { return runMappingPrefix + jobID }
func continuationKey(jobID string) string { return continuationPrefix + jobID }
func lockKey(jobID string) string         { return lockPrefix + jobID }
func sourceStateKey(targetID string) string {
	return sourceStatePrefix + targetID
}

type InMemoryCheckpointStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{values: map[string][]byte{}}
}

func (s *InMemoryCheckpointStore) Get(_ context.Context, key string) (json.RawMessage, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return nil, nil
	}
	return cloneRaw(value), nil
}

func (s *InMemoryCheckpointStore) Set(_ context.Context, key string, value json.RawMessage) error {
	if s == nil {
		return ErrInvalidInput
	}
	if strings.TrimSpace(key) == "" || !json.Valid(value) {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = cloneRaw(value)
	return nil
}

func (s *InMemoryCheckpointStore) Delete(_ context.Context, key string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *InMemoryCheckpointStore) CompareAndSwap(_ context.Context, key string, prev, next json.RawMessage) (bool, error) {
	if s == nil {
		return false, ErrInvalidInput
	}
	if strings.TrimSpace(key) == "" || !json.Valid(next) {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.values[key]
	if !casMatches(current, exists, prev) {
		return false, nil
	}
	s.values[key] = cloneRaw(next)
	return true, nil
}

func (s *InMemoryCheckpointStore) List(_ context.Context, prefix string) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	if s == nil {
		return out, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range s.values {
		if strings.HasPrefix(key, prefix) {
			out[key] = cloneRaw(value)
		}
	}
	return out, nil
}

// JSONFileCheckpointStore keeps every key in one JSON document on disk and
// rewrites it atomically on each mutation.
type JSONFileCheckpointStore struct {
	Path string

	mu sync.Mutex
}

func NewJSONFileCheckpointStore(path string) *JSONFileCheckpointStore {
	return &JSONFileCheckpointStore{Path: strings.TrimSpace(path)}
}

func (s *JSONFileCheckpointStore) Get(_ context.Context, key string) (json.RawMessage, error) {
	if s == nil || s.Path == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.load()
	if err != nil {
		return nil, err
	}
	value, ok := values[key]
	if !ok {
		return nil, nil
	}
	return value, nil
}

func (s *JSONFileCheckpointStore) Set(_ context.Context, key string, value json.RawMessage) error {
	if s == nil || s.Path == "" {
		return ErrInvalidInput
	}
	if strings.TrimSpace(key) == "" || !json.Valid(value) {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.load()
	if err != nil {
		return err
	}
	values[key] = cloneRaw(value)
	return s.save(values)
}

func (s *JSONFileCheckpointStore) Delete(_ context.Context, key string) error {
	if s == nil || s.Path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return s.save(values)
}

func (s *JSONFileCheckpointStore) CompareAndSwap(_ context.Context, key string, prev, next json.RawMessage) (bool, error) {
	if s == nil || s.Path == "" {
		return false, ErrInvalidInput
	}
	if strings.TrimSpace(key) == "" || !json.Valid(next) {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.load()
	if err != nil {
		return false, err
	}
	current, exists := values[key]
	if !casMatches(current, exists, prev) {
		return false, nil
	}
	values[key] = cloneRaw(next)
	return true, s.save(values)
}

func (s *JSONFileCheckpointStore) List(_ context.Context, prefix string) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	if s == nil || s.Path == "" {
		return out, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.load()
	if err != nil {
		return nil, err
	}
	for key, value := range values {
		if strings.HasPrefix(key, prefix) {
			out[key] = value
		}
	}
	return out, nil
}

func (s *JSONFileCheckpointStore) load() (map[string]json.RawMessage, error) {
	values := map[string]json.RawMessage{}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return values, nil
		}
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode checkpoint file %s: %w", s.Path, err)
	}
	return values, nil
}

func (s *JSONFileCheckpointStore) save(values map[string]json.RawMessage) error {
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

// ScopedStore namespaces every key under one integration instance.
type ScopedStore struct {
	inner CheckpointStore
	scope string
}

func NewScopedStore(inner CheckpointStore, scope string) *ScopedStore {
	scope = strings.Trim(strings.TrimSpace(scope), "/")
	return &ScopedStore{inner: inner, scope: scope}
}

func (s *ScopedStore) key(key string) string {
	if s.scope == "" {
		return key
	}
	return s.scope + "/" + key
}

func (s *ScopedStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	return s.inner.Get(ctx, s.key(key))
}

func (s *ScopedStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	return s.inner.Set(ctx, s.key(key), value)
}

func (s *ScopedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, s.key(key))
}

func (s *ScopedStore) CompareAndSwap(ctx context.Context, key string, prev, next json.RawMessage) (bool, error) {
	return s.inner.CompareAndSwap(ctx, s.key(key), prev, next)
}

func (s *ScopedStore) List(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	values, err := s.inner.List(ctx, s.key(prefix))
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(values))
	trim := s.key("")
	for key, value := range values {
		out[strings.TrimPrefix(key, trim)] = value
	}
	return out, nil
}

func loadJSON(ctx context.Context, store CheckpointStore, key string, dst any) (bool, error) {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func saveJSON(ctx context.Context, store CheckpointStore, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, raw)
}

func sortedKeys(values map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func casMatches(current []byte, exists bool, prev json.RawMessage) bool {
	if prev == nil {
		return !exists
	}
	return exists && bytes.Equal(current, prev)
}

func cloneRaw(value []byte) json.RawMessage {
	if value == nil {
		return nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}

func BuildCheckpointStoreFromDSN(dsn string) (CheckpointStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryCheckpointStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupCheckpointStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileCheckpointStore(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryCheckpointStore(), nil
	case "postgres", "postgresql":
		return NewPostgresCheckpointStore(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteCheckpointStore(path)
	case "mysql", "redis":
		return nil, fmt.Errorf("%w: checkpoint store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported checkpoint store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
