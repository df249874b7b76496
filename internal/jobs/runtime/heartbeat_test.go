package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/taskmesh-backend/internal/locking"
	"github.com/yungbote/taskmesh-backend/internal/platform/dbctx"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
)

type fakeToucher struct {
	beats atomic.Int64
	ok    atomic.Bool
}

func (f *fakeToucher) Heartbeat(_ dbctx.Context, _ uuid.UUID, _ string, _ int64) (bool, error) {
	f.beats.Add(1)
	return f.ok.Load(), nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func startTestHeartbeat(t *testing.T, lock locking.Manager, toucher RunToucher, cfg HeartbeatConfig) *Heartbeat {
	t.Helper()
	hb, err := StartHeartbeat(context.Background(), testLogger(t), lock, toucher, cfg)
	if err != nil {
		t.Fatalf("StartHeartbeat: %v", err)
	}
	t.Cleanup(hb.Stop)
	return hb
}

func TestHeartbeatKeepsLockAlive(t *testing.T) {
	lock := locking.NewMemoryManager()
	runID := uuid.New()
	key := "run:" + runID.String()

	token, err := lock.Acquire(context.Background(), key, "worker-1", 60*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	toucher := &fakeToucher{}
	toucher.ok.Store(true)
	hb := startTestHeartbeat(t, lock, toucher, HeartbeatConfig{
		RunID:    runID,
		LockKey:  key,
		OwnerID:  "worker-1",
		Token:    token,
		Interval: 10 * time.Millisecond,
		TTL:      60 * time.Millisecond,
	})

	// Well past the original TTL; renewals must have kept the lock ours.
	time.Sleep(150 * time.Millisecond)
	select {
	case <-hb.Abort():
		t.Fatal("heartbeat aborted while ownership was intact")
	default:
	}
	if toucher.beats.Load() == 0 {
		t.Fatal("run row was never touched")
	}

	// A second worker must still be locked out.
	if _, err := lock.Acquire(context.Background(), key, "worker-2", time.Minute); err == nil {
		t.Fatal("expected contention while heartbeat holds the lock")
	}
}

func TestHeartbeatAbortsWhenLockSuperseded(t *testing.T) {
	lock := locking.NewMemoryManager()
	runID := uuid.New()
	key := "run:" + runID.String()

	token, err := lock.Acquire(context.Background(), key, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	toucher := &fakeToucher{}
	toucher.ok.Store(true)
	hb := startTestHeartbeat(t, lock, toucher, HeartbeatConfig{
		RunID:    runID,
		LockKey:  key,
		OwnerID:  "worker-1",
		Token:    token,
		Interval: 10 * time.Millisecond,
		TTL:      time.Minute,
	})

	if err := lock.ForceRelease(context.Background(), key); err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}

	select {
	case <-hb.Abort():
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not abort after losing the lock")
	}
}

func TestHeartbeatAbortsWhenRunRowDisowned(t *testing.T) {
	lock := locking.NewMemoryManager()
	runID := uuid.New()
	key := "run:" + runID.String()

	token, err := lock.Acquire(context.Background(), key, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	toucher := &fakeToucher{} // ok defaults to false: fenced touch misses
	hb := startTestHeartbeat(t, lock, toucher, HeartbeatConfig{
		RunID:    runID,
		LockKey:  key,
		OwnerID:  "worker-1",
		Token:    token,
		Interval: 10 * time.Millisecond,
		TTL:      time.Minute,
	})

	select {
	case <-hb.Abort():
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not abort after the run row was disowned")
	}
}

func TestHeartbeatTouchesDelivery(t *testing.T) {
	lock := locking.NewMemoryManager()
	runID := uuid.New()
	key := "run:" + runID.String()

	token, err := lock.Acquire(context.Background(), key, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var touches atomic.Int64
	toucher := &fakeToucher{}
	toucher.ok.Store(true)
	hb := startTestHeartbeat(t, lock, toucher, HeartbeatConfig{
		RunID:    runID,
		LockKey:  key,
		OwnerID:  "worker-1",
		Token:    token,
		Interval: 10 * time.Millisecond,
		TTL:      time.Minute,
		Touch: func(context.Context) error {
			touches.Add(1)
			return nil
		},
	})

	time.Sleep(100 * time.Millisecond)
	select {
	case <-hb.Abort():
		t.Fatal("heartbeat aborted while ownership was intact")
	default:
	}
	// The delivery keepalive must fire with every beat, not once.
	if touches.Load() < 2 {
		t.Fatalf("delivery touched %d times, want at least 2", touches.Load())
	}
}

func TestHeartbeatRejectsShortTTL(t *testing.T) {
	lock := locking.NewMemoryManager()
	_, err := StartHeartbeat(context.Background(), testLogger(t), lock, &fakeToucher{}, HeartbeatConfig{
		RunID:    uuid.New(),
		LockKey:  "run:x",
		OwnerID:  "worker-1",
		Token:    1,
		Interval: 10 * time.Second,
		TTL:      20 * time.Second,
	})
	if err == nil {
		t.Fatal("expected rejection of ttl < 3x interval")
	}
}
