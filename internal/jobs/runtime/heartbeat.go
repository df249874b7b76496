package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/taskmesh-backend/internal/locking"
	apperrors "github.com/yungbote/taskmesh-backend/internal/pkg/errors"
	"github.com/yungbote/taskmesh-backend/internal/platform/dbctx"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
)

// RunToucher is the slice of the run repo the heartbeat needs: a fenced
// touch of last_heartbeat_at.
type RunToucher interface {
	Heartbeat(dbc dbctx.Context, id uuid.UUID, ownerID string, token int64) (bool, error)
}

// HeartbeatConfig describes one run's liveness loop.
type HeartbeatConfig struct {
	RunID    uuid.UUID
	LockKey  string
	OwnerID  string
	Token    int64
	Interval time.Duration
	TTL      time.Duration
	// Touch, when set, is called after each successful lock extension to
	// reset the delivery's redelivery clock on the transport. Failures are
	// tolerated: the lock is the source of ownership truth, and a spurious
	// re-claim by a peer is absorbed by the dedup layer.
	Touch func(ctx context.Context) error
}

// extendRetries bounds transient-failure retries within a single tick.
// Ownership loss is never retried.
const extendRetries = 3

/*
Heartbeat keeps one in-flight run alive: every Interval it extends the lock,
keeps the queue delivery claimed, and touches the run row, lock and row both
fenced on the owner and token. The TTL must be at least three intervals so a
couple of missed beats (GC pause, brief network blip) do not cost the lock.

If a renewal fails for ownership reasons — or transiently past the retry
budget — the Abort channel closes and the loop stops without touching
anything else. The processor watches Abort and must cease all writes for the
run the moment it fires.
*/
type Heartbeat struct {
	log    *logger.Logger
	lock   locking.Manager
	repo   RunToucher
	cfg    HeartbeatConfig
	cancel context.CancelFunc

	abortOnce sync.Once
	abort     chan struct{}
	done      chan struct{}
}

func StartHeartbeat(ctx context.Context, log *logger.Logger, lock locking.Manager, repo RunToucher, cfg HeartbeatConfig) (*Heartbeat, error) {
	if lock == nil || repo == nil {
		return nil, fmt.Errorf("lock manager and run repo required: %w", apperrors.ErrInvalidArgument)
	}
	if cfg.RunID == uuid.Nil || cfg.LockKey == "" || cfg.OwnerID == "" {
		return nil, fmt.Errorf("run id, lock key and owner required: %w", apperrors.ErrInvalidArgument)
	}
	if cfg.Interval <= 0 || cfg.TTL < 3*cfg.Interval {
		return nil, fmt.Errorf("lock ttl %s must be at least 3x heartbeat interval %s: %w",
			cfg.TTL, cfg.Interval, apperrors.ErrInvalidArgument)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	hb := &Heartbeat{
		log: log.With(
			"component", "Heartbeat",
			"run_id", cfg.RunID,
			"owner_id", cfg.OwnerID,
			"token", cfg.Token,
		),
		lock:   lock,
		repo:   repo,
		cfg:    cfg,
		cancel: cancel,
		abort:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	go hb.loop(loopCtx)
	return hb, nil
}

// Abort closes when ownership of the run has been lost. After it fires the
// holder must not issue any further writes for this run.
func (h *Heartbeat) Abort() <-chan struct{} { return h.abort }

// Stop ends the renewal loop and waits for it to exit. It does not release
// the lock; the processor releases explicitly on the success path and lets
// the TTL reap it otherwise.
func (h *Heartbeat) Stop() {
	h.cancel()
	<-h.done
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.beat(ctx) {
				h.signalAbort()
				return
			}
		}
	}
}

// beat renews the lock and touches the run row. It reports false only when
// ownership is gone or renewal kept failing past the retry budget.
func (h *Heartbeat) beat(ctx context.Context) bool {
	var err error
	for attempt := 1; attempt <= extendRetries; attempt++ {
		err = h.lock.Extend(ctx, h.cfg.LockKey, h.cfg.OwnerID, h.cfg.Token, h.cfg.TTL)
		if err == nil {
			break
		}
		if errors.Is(err, apperrors.ErrLockOwnershipLost) {
			h.log.Warn("Lock superseded, aborting run", "error", err)
			return false
		}
		if ctx.Err() != nil {
			return true
		}
		h.log.Warn("Lock extend failed, retrying", "attempt", attempt, "error", err)
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	if err != nil {
		h.log.Error("Lock extend exhausted retries, aborting run", "error", err)
		return false
	}

	if h.cfg.Touch != nil {
		if err := h.cfg.Touch(ctx); err != nil {
			h.log.Warn("Delivery touch failed", "error", err)
		}
	}

	ok, err := h.repo.Heartbeat(dbctx.Context{Ctx: ctx}, h.cfg.RunID, h.cfg.OwnerID, h.cfg.Token)
	if err != nil {
		// The lock extension above succeeded, so ownership is intact; a
		// transient DB error just means this beat's row touch is skipped.
		h.log.Warn("Run heartbeat write failed", "error", err)
		return true
	}
	if !ok {
		h.log.Warn("Run row no longer owned, aborting run")
		return false
	}
	return true
}

func (h *Heartbeat) signalAbort() {
	h.abortOnce.Do(func() { close(h.abort) })
}
