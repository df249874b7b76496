package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/yungbote/taskmesh-backend/internal/checkpoint"
	"github.com/yungbote/taskmesh-backend/internal/data/repos/runs"
	"github.com/yungbote/taskmesh-backend/internal/domain"
	"github.com/yungbote/taskmesh-backend/internal/idempotency"
	"github.com/yungbote/taskmesh-backend/internal/jobs/queue"
	"github.com/yungbote/taskmesh-backend/internal/jobs/runtime"
	"github.com/yungbote/taskmesh-backend/internal/locking"
	"github.com/yungbote/taskmesh-backend/internal/observability"
	apperrors "github.com/yungbote/taskmesh-backend/internal/pkg/errors"
	"github.com/yungbote/taskmesh-backend/internal/platform/dbctx"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
	"github.com/yungbote/taskmesh-backend/internal/services"
)

type Config struct {
	// OwnerID identifies this worker process in locks and run rows.
	OwnerID           string
	Concurrency       int
	LockTTL           time.Duration
	HeartbeatInterval time.Duration
	MaxArtifactBytes  int
}

func (c *Config) applyDefaults() {
	if c.OwnerID == "" {
		c.OwnerID = "worker-" + uuid.NewString()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Minute
	}
	if c.HeartbeatInterval <= 0 || c.LockTTL < 3*c.HeartbeatInterval {
		c.HeartbeatInterval = c.LockTTL / 3
	}
	if c.MaxArtifactBytes <= 0 {
		c.MaxArtifactBytes = checkpoint.DefaultMaxArtifactBytes
	}
}

/*
Processor is the worker pool that turns queue deliveries into executed runs.
Per delivery: dedupe on the idempotency key, take the run lock, resume from
the latest checkpoint, then drive the step loop under a heartbeat. Every
database write along the way is fenced on the lock's token, so a worker that
has been superseded can only fail, never corrupt.

Settlement: a delivery is acked once the run reaches a terminal state (or is
a duplicate of one); everything transient — contention, lost locks, infra
errors — is nacked for redelivery.
*/
type Processor struct {
	log      *logger.Logger
	cfg      Config
	queue    queue.Queue
	runs     runs.RunRepo
	locks    locking.Manager
	idem     idempotency.Store
	ckpts    checkpoint.Manager
	registry *runtime.Registry
	gate     runtime.Gate
	notifier services.RunNotifier
	metrics  *observability.Metrics
}

func New(
	baseLog *logger.Logger,
	cfg Config,
	q queue.Queue,
	runRepo runs.RunRepo,
	locks locking.Manager,
	idem idempotency.Store,
	ckpts checkpoint.Manager,
	registry *runtime.Registry,
	gate runtime.Gate,
	notifier services.RunNotifier,
	metrics *observability.Metrics,
) (*Processor, error) {
	if q == nil || runRepo == nil || locks == nil || idem == nil || ckpts == nil || registry == nil {
		return nil, fmt.Errorf("queue, repo, locks, idempotency, checkpoints and registry required: %w", apperrors.ErrInvalidArgument)
	}
	cfg.applyDefaults()
	if gate == nil {
		gate = runtime.AllowAll()
	}
	if notifier == nil {
		notifier = services.NopRunNotifier{}
	}
	return &Processor{
		log:      baseLog.With("component", "Processor", "owner_id", cfg.OwnerID),
		cfg:      cfg,
		queue:    q,
		runs:     runRepo,
		locks:    locks,
		idem:     idem,
		ckpts:    ckpts,
		registry: registry,
		gate:     gate,
		notifier: notifier,
		metrics:  metrics,
	}, nil
}

// Start runs the pool until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.log.Info("Processor starting", "concurrency", p.cfg.Concurrency, "lock_ttl", p.cfg.LockTTL)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			p.consumeLoop(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (p *Processor) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		d, err := p.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("Queue receive failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		p.handleDelivery(ctx, d)
	}
}

func (p *Processor) handleDelivery(ctx context.Context, d *queue.Delivery) {
	ctx, span := otel.Tracer("taskmesh/processor").Start(ctx, "run.delivery",
		trace.WithAttributes(
			attribute.String("run.id", d.RunID.String()),
			attribute.String("run.type", d.RunType),
			attribute.Int("delivery.count", d.Deliveries),
		))
	defer span.End()

	log := p.log.With(
		"run_id", d.RunID,
		"run_type", d.RunType,
		"idempotency_key", d.IdempotencyKey,
		"deliveries", d.Deliveries,
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic handling delivery", "panic", fmt.Sprintf("%v", r))
			p.nack(ctx, d, log)
		}
	}()

	ex, err := p.registry.Resolve(d.RunType)
	if err != nil {
		// Unroutable work is poison: let the redelivery budget dead-letter it.
		log.Error("No executor registered", "error", err)
		p.nack(ctx, d, log)
		return
	}

	rec, isNew, err := p.idem.CheckAndCreate(ctx, d.IdempotencyKey, d.PayloadHash)
	if err != nil {
		log.Warn("Idempotency check failed", "error", err)
		p.nack(ctx, d, log)
		return
	}
	if !isNew {
		p.metrics.IncIdempotencyDuplicate(rec.Status)
		switch rec.Status {
		case domain.IdempotencyStatusCompleted:
			log.Info("Duplicate delivery of completed work, dropping")
			p.ack(ctx, d, log)
		case domain.IdempotencyStatusPending:
			// A live worker owns this key; come back after its heartbeat
			// either finishes or goes stale.
			log.Info("Duplicate delivery while work is in flight, redelivering later")
			p.nack(ctx, d, log)
		default:
			log.Info("Duplicate delivery of failed work inside its TTL, dropping")
			p.ack(ctx, d, log)
		}
		return
	}
	if rec.Attempts > 1 {
		p.metrics.IncIdempotencyReclaimed()
		log.Info("Reclaimed stale pending work", "attempts", rec.Attempts)
	}

	token, err := p.locks.Acquire(ctx, locking.RunLockKey(d.RunID), p.cfg.OwnerID, p.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, apperrors.ErrLockContention) {
			p.metrics.IncLockContention()
			log.Info("Run locked by another worker, redelivering later")
		} else {
			log.Warn("Lock acquire failed", "error", err)
		}
		p.nack(ctx, d, log)
		return
	}

	p.execute(ctx, d, ex, token, log)
}

// execute owns the delivery from lock acquisition to settlement.
func (p *Processor) execute(ctx context.Context, d *queue.Delivery, ex runtime.Executor, token int64, log *logger.Logger) {
	dbc := dbctx.Context{Ctx: ctx}

	run, _, err := p.runs.CreateIfAbsent(dbc, p.runFromMessage(d.Message))
	if err != nil {
		log.Warn("Run row create failed", "error", err)
		p.releaseAndNack(ctx, d, token, log)
		return
	}

	if domain.TerminalStatus(run.Status) {
		// Redelivery of a run that already finished (e.g. the previous
		// worker crashed between Finish and Ack). Reconcile the dedup record
		// and settle.
		p.reconcileTerminal(ctx, d, run, log)
		p.release(ctx, d.RunID, token, log)
		p.ack(ctx, d, log)
		return
	}

	cp, found, err := p.ckpts.Load(ctx, d.RunID)
	if err != nil {
		log.Warn("Checkpoint load failed", "error", err)
		p.releaseAndNack(ctx, d, token, log)
		return
	}
	startStep, version := 0, int64(0)
	var artifact []byte
	if found {
		startStep = cp.StepIndex + 1
		version = cp.Version
		artifact = []byte(cp.Artifact)
		if cp.Truncated {
			log.Warn("Resuming from truncated checkpoint artifact", "step_index", cp.StepIndex, "version", cp.Version)
		}
		log.Info("Resuming from checkpoint", "step_index", cp.StepIndex, "version", cp.Version)
	}

	ok, err := p.runs.MarkRunning(dbc, d.RunID, p.cfg.OwnerID, token)
	if err != nil {
		log.Warn("Mark running failed", "error", err)
		p.releaseAndNack(ctx, d, token, log)
		return
	}
	if !ok {
		// Row is not pending: either another claim won or the row is still
		// marked running with a stale token the recovery sweep has not
		// requeued yet. Both resolve on a later delivery.
		log.Info("Run row not claimable yet, redelivering later")
		p.releaseAndNack(ctx, d, token, log)
		return
	}
	run.Status = domain.RunStatusRunning
	startedAt := time.Now()

	hb, err := runtime.StartHeartbeat(ctx, p.log, p.locks, p.runs, runtime.HeartbeatConfig{
		RunID:    d.RunID,
		LockKey:  locking.RunLockKey(d.RunID),
		OwnerID:  p.cfg.OwnerID,
		Token:    token,
		Interval: p.cfg.HeartbeatInterval,
		TTL:      p.cfg.LockTTL,
		Touch: func(ctx context.Context) error {
			return p.queue.Touch(ctx, d)
		},
	})
	if err != nil {
		log.Error("Heartbeat start failed", "error", err)
		p.releaseAndNack(ctx, d, token, log)
		return
	}
	defer hb.Stop()

	p.metrics.IncRunStarted(d.RunType)
	p.notifier.RunStarted(run)

	for step := startStep; step < run.StepCount; step++ {
		select {
		case <-hb.Abort():
			p.abortOwnershipLost(ctx, d, log)
			return
		case <-ctx.Done():
			// Shutdown mid-run: leave everything as-is; the heartbeat stops
			// and the recovery sweep requeues from the checkpoint.
			p.nack(context.Background(), d, log)
			return
		default:
		}

		cancelled, err := p.cancelRequested(dbc, d.RunID)
		if err != nil {
			log.Warn("Cancel flag read failed", "error", err)
		}
		if cancelled {
			p.finishCancelled(ctx, d, run, token, startedAt, log)
			return
		}

		if err := p.gate.ApproveStep(ctx, run, step); err != nil {
			log.Warn("Step denied by gate", "step_index", step, "error", err)
			p.finishFailed(ctx, d, run, token, startedAt, "gate_denied",
				fmt.Sprintf("step %d: %v", step, err), log)
			return
		}

		stepStart := time.Now()
		jc := runtime.NewContext(ctx, p.log, p.runs, run, step, artifact)
		out, stepErr := p.runStep(jc, ex)
		if stepErr != nil {
			p.metrics.ObserveStep(d.RunType, "failed", time.Since(stepStart))
			log.Warn("Step failed", "step_index", step, "error", stepErr)
			p.finishFailed(ctx, d, run, token, startedAt, "step_error",
				fmt.Sprintf("step %d: %v", step, stepErr), log)
			return
		}
		p.metrics.ObserveStep(d.RunType, "completed", time.Since(stepStart))

		// Re-check ownership before persisting the step's output: a long
		// step may have outlived the lock.
		select {
		case <-hb.Abort():
			p.abortOwnershipLost(ctx, d, log)
			return
		default:
		}

		clamped, truncated := checkpoint.Clamp(out, p.cfg.MaxArtifactBytes)
		if truncated {
			p.metrics.IncCheckpointTruncated()
			log.Warn("Checkpoint artifact truncated", "step_index", step, "size", len(out))
		}
		newVersion, err := p.ckpts.Save(ctx, d.RunID, version, step, clamped)
		if err != nil {
			if errors.Is(err, apperrors.ErrCheckpointVersionConflict) {
				// Someone else progressed this run; our view of the world is
				// stale and must not be written anywhere.
				p.metrics.IncCheckpointConflict()
				log.Warn("Checkpoint version conflict, aborting", "step_index", step)
				p.abortOwnershipLost(ctx, d, log)
				return
			}
			log.Warn("Checkpoint save failed", "step_index", step, "error", err)
			p.nack(ctx, d, log)
			return
		}
		version = newVersion
		artifact = clamped

		ok, err := p.runs.UpdateProgress(dbc, d.RunID, token, step+1)
		if err != nil {
			log.Warn("Progress update failed", "error", err)
			p.nack(ctx, d, log)
			return
		}
		if !ok {
			p.abortOwnershipLost(ctx, d, log)
			return
		}
		run.CurrentStepIndex = step + 1
		p.notifier.RunProgress(run, step+1)
	}

	p.finishCompleted(ctx, d, run, token, artifact, startedAt, log)
}

func (p *Processor) runStep(jc *runtime.Context, ex runtime.Executor) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return ex.ExecuteStep(jc)
}

func (p *Processor) runFromMessage(msg queue.Message) *domain.Run {
	return &domain.Run{
		ID:        msg.RunID,
		TenantID:  msg.TenantID,
		RunType:   msg.RunType,
		Status:    domain.RunStatusPending,
		StepCount: msg.StepCount,
		Payload:   datatypes.JSON(msg.Payload),
	}
}

func (p *Processor) cancelRequested(dbc dbctx.Context, runID uuid.UUID) (bool, error) {
	run, err := p.runs.GetByID(dbc, runID)
	if err != nil {
		return false, err
	}
	return run.CancelRequested, nil
}

func (p *Processor) finishCompleted(ctx context.Context, d *queue.Delivery, run *domain.Run, token int64, result []byte, startedAt time.Time, log *logger.Logger) {
	dbc := dbctx.Context{Ctx: ctx}
	ok, err := p.runs.Finish(dbc, d.RunID, token, domain.RunStatusCompleted, result, "")
	if err != nil {
		log.Warn("Finish completed failed", "error", err)
		p.nack(ctx, d, log)
		return
	}
	if !ok {
		p.abortOwnershipLost(ctx, d, log)
		return
	}
	if err := p.idem.Complete(ctx, d.IdempotencyKey, result); err != nil && !errors.Is(err, apperrors.ErrIdempotencyConflict) {
		log.Warn("Idempotency complete failed", "error", err)
	}
	run.Status = domain.RunStatusCompleted
	run.Result = datatypes.JSON(result)
	p.metrics.ObserveRunFinished(d.RunType, domain.RunStatusCompleted, "", time.Since(startedAt))
	p.notifier.RunCompleted(run)
	log.Info("Run completed", "steps", run.StepCount, "duration", time.Since(startedAt))
	p.release(ctx, d.RunID, token, log)
	p.ack(ctx, d, log)
}

func (p *Processor) finishFailed(ctx context.Context, d *queue.Delivery, run *domain.Run, token int64, startedAt time.Time, reason, errMsg string, log *logger.Logger) {
	dbc := dbctx.Context{Ctx: ctx}
	ok, err := p.runs.Finish(dbc, d.RunID, token, domain.RunStatusFailed, nil, errMsg)
	if err != nil {
		log.Warn("Finish failed errored", "error", err)
		p.nack(ctx, d, log)
		return
	}
	if !ok {
		p.abortOwnershipLost(ctx, d, log)
		return
	}
	if err := p.idem.Fail(ctx, d.IdempotencyKey, errMsg); err != nil && !errors.Is(err, apperrors.ErrIdempotencyConflict) {
		log.Warn("Idempotency fail failed", "error", err)
	}
	run.Status = domain.RunStatusFailed
	run.Error = errMsg
	p.metrics.ObserveRunFinished(d.RunType, domain.RunStatusFailed, reason, time.Since(startedAt))
	p.notifier.RunFailed(run, errMsg)
	p.release(ctx, d.RunID, token, log)
	p.ack(ctx, d, log)
}

func (p *Processor) finishCancelled(ctx context.Context, d *queue.Delivery, run *domain.Run, token int64, startedAt time.Time, log *logger.Logger) {
	dbc := dbctx.Context{Ctx: ctx}
	ok, err := p.runs.Finish(dbc, d.RunID, token, domain.RunStatusCancelled, nil, "")
	if err != nil {
		log.Warn("Finish cancelled failed", "error", err)
		p.nack(ctx, d, log)
		return
	}
	if !ok {
		p.abortOwnershipLost(ctx, d, log)
		return
	}
	if err := p.idem.Fail(ctx, d.IdempotencyKey, "run cancelled"); err != nil && !errors.Is(err, apperrors.ErrIdempotencyConflict) {
		log.Warn("Idempotency fail failed", "error", err)
	}
	run.Status = domain.RunStatusCancelled
	p.metrics.ObserveRunFinished(d.RunType, domain.RunStatusCancelled, "", time.Since(startedAt))
	p.notifier.RunCancelled(run)
	log.Info("Run cancelled", "step_index", run.CurrentStepIndex)
	p.release(ctx, d.RunID, token, log)
	p.ack(ctx, d, log)
}

// reconcileTerminal settles the dedup record for a run that finished under a
// previous delivery.
func (p *Processor) reconcileTerminal(ctx context.Context, d *queue.Delivery, run *domain.Run, log *logger.Logger) {
	var err error
	switch run.Status {
	case domain.RunStatusCompleted:
		err = p.idem.Complete(ctx, d.IdempotencyKey, []byte(run.Result))
	default:
		err = p.idem.Fail(ctx, d.IdempotencyKey, run.Error)
	}
	if err != nil && !errors.Is(err, apperrors.ErrIdempotencyConflict) {
		log.Warn("Idempotency reconcile failed", "status", run.Status, "error", err)
	}
	log.Info("Run already terminal, settling delivery", "status", run.Status)
}

// abortOwnershipLost is the no-further-writes path: the run belongs to
// someone else now. The lock is not released (we may not own it) and the
// delivery is nacked so the current owner's failure modes stay covered.
func (p *Processor) abortOwnershipLost(ctx context.Context, d *queue.Delivery, log *logger.Logger) {
	p.metrics.IncLockOwnershipLost()
	log.Warn("Run ownership lost, aborting with no further writes")
	p.nack(ctx, d, log)
}

func (p *Processor) release(ctx context.Context, runID uuid.UUID, token int64, log *logger.Logger) {
	if err := p.locks.Release(ctx, locking.RunLockKey(runID), p.cfg.OwnerID, token); err != nil &&
		!errors.Is(err, apperrors.ErrLockOwnershipLost) {
		log.Warn("Lock release failed", "error", err)
	}
}

func (p *Processor) releaseAndNack(ctx context.Context, d *queue.Delivery, token int64, log *logger.Logger) {
	p.release(ctx, d.RunID, token, log)
	p.nack(ctx, d, log)
}

func (p *Processor) ack(ctx context.Context, d *queue.Delivery, log *logger.Logger) {
	if err := p.queue.Ack(ctx, d); err != nil {
		log.Warn("Ack failed", "delivery_id", d.DeliveryID, "error", err)
	}
}

func (p *Processor) nack(ctx context.Context, d *queue.Delivery, log *logger.Logger) {
	if err := p.queue.Nack(ctx, d); err != nil {
		log.Warn("Nack failed", "delivery_id", d.DeliveryID, "error", err)
	}
}
