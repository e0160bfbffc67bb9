package relaysync

import (
	"strings"
	"sync"
)

type CheckpointStoreFactory func(dsn string) (CheckpointStore, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]CheckpointStoreFactory
}{
	factories: map[string]CheckpointStoreFactory{},
}

// RegisterCheckpointStoreFactory makes a custom backend available to
// BuildCheckpointStoreFromDSN. Registered schemes take precedence over the
// built-in ones.
func RegisterCheckpointStoreFactory(scheme string, factory CheckpointStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupCheckpointStoreFactory(scheme string) (CheckpointStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
