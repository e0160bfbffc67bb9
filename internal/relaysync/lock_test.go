package relaysync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockManagerExactlyOneConcurrentAcquirerWins(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	clock := newFakeClock()
	base := NewLockManager(store, LockOptions{Now: clock.Now})

	var wins int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := base.WithOwner("").TryAcquire(context.Background(), "run-42", 0)
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestLockManagerSecondAcquireWithinTTLFails(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	clock := newFakeClock()
	first := NewLockManager(store, LockOptions{Now: clock.Now, Owner: "first"})
	second := first.WithOwner("second")

	ok, err := first.TryAcquire(context.Background(), "run-42", 0)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to win, ok=%v err=%v", ok, err)
	}
	clock.Advance(2 * time.Second)
	ok, err = second.TryAcquire(context.Background(), "run-42", 0)
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if ok {
		t.Fatalf("expected duplicate acquire to be refused")
	}
}

func TestLockManagerStaleLockIsReclaimed(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	clock := newFakeClock()
	crashed := NewLockManager(store, LockOptions{Now: clock.Now, TTL: time.Minute, Owner: "crashed"})
	if ok, _ := crashed.TryAcquire(context.Background(), "run-7", 10); !ok {
		t.Fatalf("expected initial acquire")
	}
	clock.Advance(time.Minute)

	next := crashed.WithOwner("next")
	ok, err := next.TryAcquire(context.Background(), "run-7", 10)
	if err != nil || !ok {
		t.Fatalf("expected stale lock to be reclaimed, ok=%v err=%v", ok, err)
	}
	lock, held, err := next.Inspect(context.Background(), "run-7")
	if err != nil || !held || lock.Owner != "next" {
		t.Fatalf("expected live lock owned by next, got %+v held=%v err=%v", lock, held, err)
	}

	if err := crashed.Refresh(context.Background(), "run-7", 20); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected refresh by old owner to report ErrLockHeld, got %v", err)
	}
	if err := crashed.Release(context.Background(), "run-7"); err != nil {
		t.Fatalf("release by old owner failed: %v", err)
	}
	if _, held, _ := next.Inspect(context.Background(), "run-7"); !held {
		t.Fatalf("old owner must not release a lock it no longer holds")
	}
}

func TestLockManagerLockForDifferentJobIsAcquirable(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	clock := newFakeClock()
	raw, _ := json.Marshal(SyncLock{JobID: "other", AcquiredAt: clock.Now(), Owner: "x"})
	if err := store.Set(context.Background(), lockKey("run-1"), raw); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	locks := NewLockManager(store, LockOptions{Now: clock.Now})
	ok, err := locks.TryAcquire(context.Background(), "run-1", 0)
	if err != nil || !ok {
		t.Fatalf("expected mismatched lock to be replaced, ok=%v err=%v", ok, err)
	}
}

func TestLockManagerRefreshAndRelease(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	clock := newFakeClock()
	locks := NewLockManager(store, LockOptions{Now: clock.Now, TTL: time.Minute})
	if ok, _ := locks.TryAcquire(context.Background(), "run-9", 0); !ok {
		t.Fatalf("expected acquire")
	}
	clock.Advance(50 * time.Second)
	if err := locks.Refresh(context.Background(), "run-9", 25); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	clock.Advance(50 * time.Second)
	lock, held, err := locks.Inspect(context.Background(), "run-9")
	if err != nil || !held {
		t.Fatalf("expected refreshed lock to still be live, held=%v err=%v", held, err)
	}
	if lock.Offset != 25 {
		t.Fatalf("expected refreshed offset 25, got %d", lock.Offset)
	}
	if err := locks.Release(context.Background(), "run-9"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if raw, _ := store.Get(context.Background(), lockKey("run-9")); raw != nil {
		t.Fatalf("expected lock to be deleted, got %s", raw)
	}
}

func TestLockManagerDiscardsUnreadableLock(t *testing.T) {
	store := NewInMemoryCheckpointStore()
	_ = store.Set(context.Background(), lockKey("run-x"), json.RawMessage(`"not a lock"`))
	locks := NewLockManager(store, LockOptions{})
	ok, err := locks.TryAcquire(context.Background(), "run-x", 0)
	if err != nil || !ok {
		t.Fatalf("expected unreadable lock to be replaced, ok=%v err=%v", ok, err)
	}
}
