package relaysync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestSQLiteCheckpointStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := NewSQLiteCheckpointStore(path)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	exerciseCheckpointStore(t, store)
}

func TestSQLiteCheckpointStoreBacksLockManager(t *testing.T) {
	store, err := NewSQLiteCheckpointStore(filepath.Join(t.TempDir(), "nested", "locks.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := newFakeClock()
	first := NewLockManager(store, LockOptions{Now: clock.Now, Owner: "a"})
	second := first.WithOwner("b")
	if ok, err := first.TryAcquire(context.Background(), "run-1", 0); err != nil || !ok {
		t.Fatalf("expected first acquire, ok=%v err=%v", ok, err)
	}
	if ok, err := second.TryAcquire(context.Background(), "run-1", 0); err != nil || ok {
		t.Fatalf("expected second acquire to lose, ok=%v err=%v", ok, err)
	}

	raw, err := store.Get(context.Background(), lockKey("run-1"))
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	var lock SyncLock
	if err := json.Unmarshal(raw, &lock); err != nil || lock.Owner != "a" {
		t.Fatalf("unexpected lock %s err=%v", raw, err)
	}
}
