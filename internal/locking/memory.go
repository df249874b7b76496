package locking

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/yungbote/taskmesh-backend/internal/pkg/errors"
)

type memoryLock struct {
	ownerID   string
	token     int64
	expiresAt time.Time
}

// MemoryManager is the in-process Manager used by tests and single-node
// deployments. Expiry is lazy: an expired record is treated as absent on the
// next operation that touches its key. Token counters survive release and
// expiry so fencing stays monotonic per key.
type MemoryManager struct {
	mu       sync.Mutex
	locks    map[string]memoryLock
	counters map[string]int64
	now      func() time.Time
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		locks:    map[string]memoryLock{},
		counters: map[string]int64{},
		now:      time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (m *MemoryManager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryManager) Acquire(ctx context.Context, key, ownerID string, ttl time.Duration) (int64, error) {
	if key == "" || ownerID == "" {
		return 0, fmt.Errorf("acquire %q: %w", key, apperrors.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, held := m.locks[key]
	if held && now.Before(cur.expiresAt) {
		if cur.ownerID == ownerID {
			// Re-entrant acquire renews the existing hold.
			cur.expiresAt = now.Add(ttl)
			m.locks[key] = cur
			return cur.token, nil
		}
		return 0, fmt.Errorf("acquire %q held by %s: %w", key, cur.ownerID, apperrors.ErrLockContention)
	}

	m.counters[key]++
	token := m.counters[key]
	m.locks[key] = memoryLock{ownerID: ownerID, token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

func (m *MemoryManager) Extend(ctx context.Context, key, ownerID string, token int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, held := m.locks[key]
	if !held || now.After(cur.expiresAt) || cur.ownerID != ownerID || cur.token != token {
		return fmt.Errorf("extend %q: %w", key, apperrors.ErrLockOwnershipLost)
	}
	cur.expiresAt = now.Add(ttl)
	m.locks[key] = cur
	return nil
}

func (m *MemoryManager) Release(ctx context.Context, key, ownerID string, token int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, held := m.locks[key]
	if !held || cur.ownerID != ownerID || cur.token != token {
		return fmt.Errorf("release %q: %w", key, apperrors.ErrLockOwnershipLost)
	}
	delete(m.locks, key)
	return nil
}

func (m *MemoryManager) ForceRelease(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.locks, key)
	// Bump so the evicted holder's token can never match again.
	m.counters[key]++
	return nil
}
