package relaysync

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type LockOptions struct {
	TTL    time.Duration
	Owner  string
	Now    func() time.Time
	Logger zerolog.Logger
}

// LockManager guards a job against concurrent invocations with a TTL record
// in the checkpoint store. Each invocation should use its own owner, see
// WithOwner.
type LockManager struct {
	store  CheckpointStore
	ttl    time.Duration
	owner  string
	now    func() time.Time
	logger zerolog.Logger
}

func NewLockManager(store CheckpointStore, opts LockOptions) *LockManager {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	owner := strings.TrimSpace(opts.Owner)
	if owner == "" {
		owner = uuid.NewString()
	}
	return &LockManager{
		store:  store,
		ttl:    ttl,
		owner:  owner,
		now:    now,
		logger: opts.Logger,
	}
}

func (m *LockManager) WithOwner(owner string) *LockManager {
	clone := *m
	clone.owner = strings.TrimSpace(owner)
	if clone.owner == "" {
		clone.owner = uuid.NewString()
	}
	return &clone
}

func (m *LockManager) Owner() string { return m.owner }

func (m *LockManager) TTL() time.Duration { return m.ttl }

// TryAcquire reports whether this owner now holds the lock for jobID. A
// false result with a nil error means another invocation holds it.
func (m *LockManager) TryAcquire(ctx context.Context, jobID string, offset int) (bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return false, ErrInvalidInput
	}
	key := lockKey(jobID)
	current, err := m.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if len(current) > 0 {
		var existing SyncLock
		if jsonErr := json.Unmarshal(current, &existing); jsonErr != nil {
			m.logger.Warn().Err(jsonErr).Str("job_id", jobID).Msg("discarding unreadable sync lock")
		} else if m.held(existing, jobID) {
			return false, nil
		}
	} else {
		current = nil
	}
	next, err := json.Marshal(SyncLock{
		JobID:      jobID,
		AcquiredAt: m.now().UTC(),
		Offset:     offset,
		Owner:      m.owner,
	})
	if err != nil {
		return false, err
	}
	return m.store.CompareAndSwap(ctx, key, current, next)
}

// Refresh extends the lock window. It returns ErrLockHeld when another
// owner has taken the lock over after a TTL expiry.
func (m *LockManager) Refresh(ctx context.Context, jobID string, offset int) error {
	key := lockKey(jobID)
	current, err := m.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if len(current) > 0 {
		var existing SyncLock
		if json.Unmarshal(current, &existing) == nil && existing.Owner != "" && existing.Owner != m.owner && m.held(existing, jobID) {
			return ErrLockHeld
		}
	} else {
		current = nil
	}
	next, err := json.Marshal(SyncLock{
		JobID:      jobID,
		AcquiredAt: m.now().UTC(),
		Offset:     offset,
		Owner:      m.owner,
	})
	if err != nil {
		return err
	}
	swapped, err := m.store.CompareAndSwap(ctx, key, current, next)
	if err != nil {
		return err
	}
	if !swapped {
		return ErrLockHeld
	}
	return nil
}

// Release clears the lock if this owner still holds it.
func (m *LockManager) Release(ctx context.Context, jobID string) error {
	key := lockKey(jobID)
	var existing SyncLock
	found, err := loadJSON(ctx, m.store, key, &existing)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if existing.Owner != "" && existing.Owner != m.owner {
		return nil
	}
	return m.store.Delete(ctx, key)
}

// Inspect returns the current lock record and whether it is still live.
func (m *LockManager) Inspect(ctx context.Context, jobID string) (*SyncLock, bool, error) {
	var existing SyncLock
	found, err := loadJSON(ctx, m.store, lockKey(jobID), &existing)
	if err != nil || !found {
		return nil, false, err
	}
	return &existing, m.held(existing, jobID), nil
}

func (m *LockManager) held(lock SyncLock, jobID string) bool {
	if lock.JobID != jobID {
		return false
	}
	return m.now().Sub(lock.AcquiredAt) < m.ttl
}
