package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/yungbote/taskmesh-backend/internal/pkg/errors"
)

func TestAcquireMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan int64, workers)
	losses := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := m.Acquire(ctx, "run-1", fmt.Sprintf("worker-%d", i), time.Minute)
			if err != nil {
				losses <- err
				return
			}
			wins <- token
		}(i)
	}
	wg.Wait()
	close(wins)
	close(losses)

	if len(wins) != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", len(wins))
	}
	if len(losses) != workers-1 {
		t.Fatalf("expected %d contention errors, got %d", workers-1, len(losses))
	}
	for err := range losses {
		if !errors.Is(err, apperrors.ErrLockContention) {
			t.Fatalf("expected ErrLockContention, got %v", err)
		}
	}
}

func TestAcquireExpiredLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()
	now := time.Now()
	m.SetClock(func() time.Time { return now })

	t1, err := m.Acquire(ctx, "run-1", "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Still live: a second owner is rejected.
	if _, err := m.Acquire(ctx, "run-1", "worker-b", time.Minute); !errors.Is(err, apperrors.ErrLockContention) {
		t.Fatalf("expected contention, got %v", err)
	}

	// Past the TTL the key is up for grabs, exactly one racer wins, and the
	// token moved forward.
	now = now.Add(2 * time.Minute)
	const racers = 8
	var wg sync.WaitGroup
	tokens := make(chan int64, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if tok, err := m.Acquire(ctx, "run-1", fmt.Sprintf("racer-%d", i), time.Minute); err == nil {
				tokens <- tok
			}
		}(i)
	}
	wg.Wait()
	close(tokens)

	if len(tokens) != 1 {
		t.Fatalf("expected exactly 1 winner over expired lock, got %d", len(tokens))
	}
	t2 := <-tokens
	if t2 <= t1 {
		t.Fatalf("fencing token must increase: %d then %d", t1, t2)
	}
}

func TestExtendDetectsSupersededOwner(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()

	token, err := m.Acquire(ctx, "run-1", "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Extend(ctx, "run-1", "worker-a", token, time.Minute); err != nil {
		t.Fatalf("Extend while held: %v", err)
	}

	if err := m.ForceRelease(ctx, "run-1"); err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}
	if err := m.Extend(ctx, "run-1", "worker-a", token, time.Minute); !errors.Is(err, apperrors.ErrLockOwnershipLost) {
		t.Fatalf("expected ErrLockOwnershipLost after force release, got %v", err)
	}

	// The next acquisition must carry a strictly larger token than the
	// evicted holder's, even though the lock record was deleted.
	next, err := m.Acquire(ctx, "run-1", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after force release: %v", err)
	}
	if next <= token {
		t.Fatalf("fencing token must survive force release: %d then %d", token, next)
	}
}

func TestReleaseRequiresTokenMatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()

	token, err := m.Acquire(ctx, "run-1", "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := m.Release(ctx, "run-1", "worker-b", token); !errors.Is(err, apperrors.ErrLockOwnershipLost) {
		t.Fatalf("release by wrong owner: expected ErrLockOwnershipLost, got %v", err)
	}
	if err := m.Release(ctx, "run-1", "worker-a", token+1); !errors.Is(err, apperrors.ErrLockOwnershipLost) {
		t.Fatalf("release with wrong token: expected ErrLockOwnershipLost, got %v", err)
	}
	if err := m.Release(ctx, "run-1", "worker-a", token); err != nil {
		t.Fatalf("release by holder: %v", err)
	}

	// Released key is immediately acquirable.
	if _, err := m.Acquire(ctx, "run-1", "worker-b", time.Minute); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestReentrantAcquireRenews(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()
	now := time.Now()
	m.SetClock(func() time.Time { return now })

	t1, err := m.Acquire(ctx, "run-1", "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	now = now.Add(45 * time.Second)
	t2, err := m.Acquire(ctx, "run-1", "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("re-entrant Acquire: %v", err)
	}
	if t1 != t2 {
		t.Fatalf("re-entrant acquire must keep the token: %d vs %d", t1, t2)
	}

	// Renewal pushed expiry out past the original deadline.
	now = now.Add(50 * time.Second)
	if err := m.Extend(ctx, "run-1", "worker-a", t1, time.Minute); err != nil {
		t.Fatalf("Extend after renewal: %v", err)
	}
}
