package recovery

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/taskmesh-backend/internal/data/repos/runs"
	"github.com/yungbote/taskmesh-backend/internal/domain"
	"github.com/yungbote/taskmesh-backend/internal/jobs/queue"
	"github.com/yungbote/taskmesh-backend/internal/locking"
	"github.com/yungbote/taskmesh-backend/internal/platform/dbctx"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
)

func newOrchestrator(t *testing.T, repo *runs.MemoryRunRepo, locks *locking.MemoryManager, q *queue.MemoryQueue, cfg Config) *Orchestrator {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	o, err := New(log, cfg, time.Minute, repo, locks, q, nil, nil)
	if err != nil {
		t.Fatalf("recovery.New: %v", err)
	}
	return o
}

// seedOrphan creates a running run whose heartbeat is stuck in the past and
// returns its stale fencing token.
func seedOrphan(t *testing.T, repo *runs.MemoryRunRepo, locks *locking.MemoryManager, runID uuid.UUID, recoveries int) int64 {
	t.Helper()
	dbc := dbctx.Context{Ctx: context.Background()}

	past := time.Now().Add(-10 * time.Minute)
	repo.SetClock(func() time.Time { return past })

	if _, _, err := repo.CreateIfAbsent(dbc, &domain.Run{
		ID:                  runID,
		TenantID:            uuid.New(),
		RunType:             "agent.workflow",
		Status:              domain.RunStatusPending,
		StepCount:           3,
		OrphanRecoveryCount: recoveries,
		Payload:             datatypes.JSON([]byte(`{"goal":"triage"}`)),
	}); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	token, err := locks.Acquire(context.Background(), locking.RunLockKey(runID), "dead-worker", time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ok, err := repo.MarkRunning(dbc, runID, "dead-worker", token); err != nil || !ok {
		t.Fatalf("MarkRunning: ok=%v err=%v", ok, err)
	}

	repo.SetClock(time.Now)
	return token
}

func TestSweepRequeuesOrphan(t *testing.T) {
	repo := runs.NewMemoryRunRepo()
	locks := locking.NewMemoryManager()
	q := queue.NewMemoryQueue(5)
	o := newOrchestrator(t, repo, locks, q, Config{OrphanThreshold: time.Minute, MaxRecoveries: 3})

	runID := uuid.New()
	staleToken := seedOrphan(t, repo, locks, runID, 0)

	requeued, failed, err := o.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if requeued != 1 || failed != 0 {
		t.Fatalf("requeued=%d failed=%d, want 1/0", requeued, failed)
	}

	run, err := repo.GetByID(dbctx.Context{Ctx: context.Background()}, runID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if run.Status != domain.RunStatusPending {
		t.Fatalf("status = %s, want pending", run.Status)
	}
	if run.OwnerID != nil || run.FencingToken != nil || run.LastHeartbeatAt != nil {
		t.Fatal("requeued run kept ownership fields")
	}
	if run.OrphanRecoveryCount != 1 {
		t.Fatalf("orphan_recovery_count = %d, want 1", run.OrphanRecoveryCount)
	}

	if q.Depth() != 1 {
		t.Fatalf("queue depth = %d, want 1", q.Depth())
	}
	d, err := q.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if d.RunID != runID {
		t.Fatalf("requeued message run id = %s", d.RunID)
	}
	if !strings.HasPrefix(d.IdempotencyKey, "recovery:") {
		t.Fatalf("idempotency key = %q", d.IdempotencyKey)
	}

	// The dead worker's token must be fenced out.
	newToken, err := locks.Acquire(context.Background(), locking.RunLockKey(runID), "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after sweep: %v", err)
	}
	if newToken <= staleToken {
		t.Fatalf("new token %d not greater than stale token %d", newToken, staleToken)
	}
}

func TestSweepFailsRunPastRecoveryBudget(t *testing.T) {
	repo := runs.NewMemoryRunRepo()
	locks := locking.NewMemoryManager()
	q := queue.NewMemoryQueue(5)
	o := newOrchestrator(t, repo, locks, q, Config{OrphanThreshold: time.Minute, MaxRecoveries: 2})

	runID := uuid.New()
	seedOrphan(t, repo, locks, runID, 2)

	requeued, failed, err := o.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if requeued != 0 || failed != 1 {
		t.Fatalf("requeued=%d failed=%d, want 0/1", requeued, failed)
	}

	run, err := repo.GetByID(dbctx.Context{Ctx: context.Background()}, runID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if !strings.Contains(run.Error, "orphan recovery") {
		t.Fatalf("error = %q, want orphan recovery cause", run.Error)
	}
	if q.Depth() != 0 {
		t.Fatalf("exhausted run was re-enqueued, depth=%d", q.Depth())
	}
}

func TestSweepLeavesHealthyRunsAlone(t *testing.T) {
	repo := runs.NewMemoryRunRepo()
	locks := locking.NewMemoryManager()
	q := queue.NewMemoryQueue(5)
	o := newOrchestrator(t, repo, locks, q, Config{OrphanThreshold: time.Minute, MaxRecoveries: 3})

	dbc := dbctx.Context{Ctx: context.Background()}
	runID := uuid.New()
	if _, _, err := repo.CreateIfAbsent(dbc, &domain.Run{
		ID:        runID,
		TenantID:  uuid.New(),
		RunType:   "agent.workflow",
		Status:    domain.RunStatusPending,
		StepCount: 3,
	}); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	token, err := locks.Acquire(context.Background(), locking.RunLockKey(runID), "live-worker", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ok, err := repo.MarkRunning(dbc, runID, "live-worker", token); err != nil || !ok {
		t.Fatalf("MarkRunning: ok=%v err=%v", ok, err)
	}

	requeued, failed, err := o.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if requeued != 0 || failed != 0 {
		t.Fatalf("sweep touched a healthy run: requeued=%d failed=%d", requeued, failed)
	}
	if st, _ := repo.GetByID(dbc, runID); st.Status != domain.RunStatusRunning {
		t.Fatalf("healthy run status = %s", st.Status)
	}
}
