package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/yungbote/taskmesh-backend/internal/data/repos/runs"
	"github.com/yungbote/taskmesh-backend/internal/domain"
	"github.com/yungbote/taskmesh-backend/internal/jobs/queue"
	"github.com/yungbote/taskmesh-backend/internal/locking"
	"github.com/yungbote/taskmesh-backend/internal/observability"
	apperrors "github.com/yungbote/taskmesh-backend/internal/pkg/errors"
	"github.com/yungbote/taskmesh-backend/internal/platform/dbctx"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
	"github.com/yungbote/taskmesh-backend/internal/services"
)

type Config struct {
	SweepInterval time.Duration
	// OrphanThreshold is how stale a running run's heartbeat must be before
	// the sweep treats it as abandoned. Keep it well above the lock TTL so a
	// worker that merely missed a beat is never evicted while alive.
	OrphanThreshold time.Duration
	// MaxRecoveries caps running→pending reclaims per run; past it the run
	// is failed instead of looping forever on poison input.
	MaxRecoveries int
	BatchLimit    int
}

func (c *Config) applyDefaults(lockTTL time.Duration) {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.OrphanThreshold <= 0 {
		c.OrphanThreshold = 3 * lockTTL
		if c.OrphanThreshold <= 0 {
			c.OrphanThreshold = 3 * time.Minute
		}
	}
	if c.MaxRecoveries <= 0 {
		c.MaxRecoveries = 3
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
}

/*
Orchestrator is the recovery sweep: it finds runs whose owner stopped
heartbeating, force-releases their locks (bumping the fencing token, which
retroactively fences out the dead owner's in-flight writes), returns the run
to pending, and re-enqueues it. The new delivery resumes from the latest
checkpoint; completed steps are never re-executed.

Reclaiming matches the orphan's stale token, so concurrent sweeps on
different nodes reclaim each run exactly once, and a run whose worker came
back (new token) is left alone.
*/
type Orchestrator struct {
	log      *logger.Logger
	cfg      Config
	runs     runs.RunRepo
	locks    locking.Manager
	queue    queue.Queue
	notifier services.RunNotifier
	metrics  *observability.Metrics
}

func New(
	baseLog *logger.Logger,
	cfg Config,
	lockTTL time.Duration,
	runRepo runs.RunRepo,
	locks locking.Manager,
	q queue.Queue,
	notifier services.RunNotifier,
	metrics *observability.Metrics,
) (*Orchestrator, error) {
	if runRepo == nil || locks == nil || q == nil {
		return nil, fmt.Errorf("repo, locks and queue required: %w", apperrors.ErrInvalidArgument)
	}
	cfg.applyDefaults(lockTTL)
	if notifier == nil {
		notifier = services.NopRunNotifier{}
	}
	return &Orchestrator{
		log:      baseLog.With("component", "RecoveryOrchestrator"),
		cfg:      cfg,
		runs:     runRepo,
		locks:    locks,
		queue:    q,
		notifier: notifier,
		metrics:  metrics,
	}, nil
}

// Start sweeps every SweepInterval until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.log.Info("Recovery sweep starting",
		"interval", o.cfg.SweepInterval,
		"orphan_threshold", o.cfg.OrphanThreshold,
		"max_recoveries", o.cfg.MaxRecoveries,
	)
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			requeued, failed, err := o.Sweep(ctx)
			if err != nil {
				o.log.Warn("Recovery sweep failed", "error", err)
				continue
			}
			if requeued > 0 || failed > 0 {
				o.log.Info("Recovery sweep done", "requeued", requeued, "failed", failed)
			}
		}
	}
}

// Sweep runs one recovery pass and reports how many orphans were requeued
// and how many were parked as failed.
func (o *Orchestrator) Sweep(ctx context.Context) (int, int, error) {
	dbc := dbctx.Context{Ctx: ctx}
	orphans, err := o.runs.ListOrphans(dbc, o.cfg.OrphanThreshold, o.cfg.BatchLimit)
	if err != nil {
		return 0, 0, fmt.Errorf("list orphans: %w", err)
	}

	requeued, failed := 0, 0
	for _, run := range orphans {
		if run.FencingToken == nil {
			// Running without a token violates the ownership invariant; skip
			// and let an operator look at the row.
			o.log.Error("Orphan run has no fencing token", "run_id", run.ID)
			continue
		}
		staleToken := *run.FencingToken
		log := o.log.With("run_id", run.ID, "run_type", run.RunType, "stale_token", staleToken)

		// Bump the token first so any write still in flight from the dead
		// owner is fenced out before the run becomes claimable again.
		if err := o.locks.ForceRelease(ctx, locking.RunLockKey(run.ID)); err != nil {
			log.Warn("Force release failed, skipping run this sweep", "error", err)
			continue
		}

		if run.OrphanRecoveryCount+1 > o.cfg.MaxRecoveries {
			errMsg := fmt.Sprintf("%v: reclaimed %d times", apperrors.ErrOrphanRecoveryExhausted, run.OrphanRecoveryCount)
			ok, err := o.runs.FailOrphan(dbc, run.ID, staleToken, errMsg)
			if err != nil {
				log.Warn("Fail orphan errored", "error", err)
				continue
			}
			if !ok {
				log.Info("Orphan changed hands before fail, leaving it")
				continue
			}
			o.metrics.IncOrphanExhausted()
			run.Status = domain.RunStatusFailed
			run.Error = errMsg
			o.notifier.RunFailed(run, errMsg)
			log.Warn("Orphan recovery budget exhausted, run failed", "recoveries", run.OrphanRecoveryCount)
			failed++
			continue
		}

		ok, err := o.runs.RequeueOrphan(dbc, run.ID, staleToken)
		if err != nil {
			log.Warn("Requeue orphan errored", "error", err)
			continue
		}
		if !ok {
			log.Info("Orphan changed hands before requeue, leaving it")
			continue
		}

		if err := o.queue.Enqueue(ctx, o.recoveryMessage(run)); err != nil {
			// The row is pending with no message behind it; the next sweep
			// will not see it (no heartbeat), so log loudly. A duplicate
			// enqueue on retry is absorbed by the idempotency layer.
			log.Error("Re-enqueue after requeue failed", "error", err)
			continue
		}
		o.metrics.IncOrphanRequeued()
		run.Status = domain.RunStatusPending
		run.OrphanRecoveryCount++
		o.notifier.RunRequeued(run)
		log.Info("Orphan requeued", "recoveries", run.OrphanRecoveryCount)
		requeued++
	}
	return requeued, failed, nil
}

// recoveryMessage rebuilds the work message from the run row. The key is
// deterministic per (run, reclaim count): racing sweeps produce the same
// key, and the dedup layer drops the loser.
func (o *Orchestrator) recoveryMessage(run *domain.Run) queue.Message {
	payload := []byte(run.Payload)
	sum := sha256.Sum256(payload)
	return queue.Message{
		IdempotencyKey: fmt.Sprintf("recovery:%s:%d", run.ID, run.OrphanRecoveryCount+1),
		RunID:          run.ID,
		TenantID:       run.TenantID,
		RunType:        run.RunType,
		StepCount:      run.StepCount,
		PayloadHash:    hex.EncodeToString(sum[:]),
		Payload:        payload,
	}
}
