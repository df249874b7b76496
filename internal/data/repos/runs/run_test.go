package runs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/taskmesh-backend/internal/data/repos/testutil"
	"github.com/yungbote/taskmesh-backend/internal/domain"
	"github.com/yungbote/taskmesh-backend/internal/platform/dbctx"
)

func seedRun(tb testing.TB, dbc dbctx.Context, repo RunRepo, status string) *domain.Run {
	tb.Helper()
	run := &domain.Run{
		ID:        uuid.New(),
		TenantID:  uuid.New(),
		RunType:   "agent_workflow",
		Status:    status,
		StepCount: 5,
		Payload:   datatypes.JSON([]byte(`{}`)),
		Result:    datatypes.JSON([]byte(`{}`)),
	}
	created, isNew, err := repo.CreateIfAbsent(dbc, run)
	if err != nil {
		tb.Fatalf("seed run: %v", err)
	}
	if !isNew {
		tb.Fatalf("seed run: expected fresh insert")
	}
	return created
}

func TestRunRepoLifecycle(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewRunRepo(db, testutil.Logger(t))

	run := seedRun(t, dbc, repo, domain.RunStatusPending)

	// Redelivery of the same run id is not a new row.
	dup := &domain.Run{ID: run.ID, TenantID: run.TenantID, RunType: run.RunType}
	if _, isNew, err := repo.CreateIfAbsent(dbc, dup); err != nil || isNew {
		t.Fatalf("CreateIfAbsent redelivery: isNew=%v err=%v", isNew, err)
	}

	// Claim with token 7.
	ok, err := repo.MarkRunning(dbc, run.ID, "worker-a", 7)
	if err != nil || !ok {
		t.Fatalf("MarkRunning: ok=%v err=%v", ok, err)
	}
	// Second claim loses: the status guard rejects it.
	ok, err = repo.MarkRunning(dbc, run.ID, "worker-b", 8)
	if err != nil {
		t.Fatalf("MarkRunning second: %v", err)
	}
	if ok {
		t.Fatalf("MarkRunning second claim must be rejected")
	}

	got, err := repo.GetByID(dbc, run.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != domain.RunStatusRunning || got.OwnerID == nil || *got.OwnerID != "worker-a" {
		t.Fatalf("unexpected claimed run: %+v", got)
	}
	if got.FencingToken == nil || *got.FencingToken != 7 {
		t.Fatalf("expected fencing token 7, got %v", got.FencingToken)
	}

	// Heartbeat with the right and wrong token.
	if ok, err := repo.Heartbeat(dbc, run.ID, "worker-a", 7); err != nil || !ok {
		t.Fatalf("Heartbeat: ok=%v err=%v", ok, err)
	}
	if ok, _ := repo.Heartbeat(dbc, run.ID, "worker-a", 6); ok {
		t.Fatalf("Heartbeat with stale token must be rejected")
	}

	// Progress is fenced the same way.
	if ok, err := repo.UpdateProgress(dbc, run.ID, 7, 2); err != nil || !ok {
		t.Fatalf("UpdateProgress: ok=%v err=%v", ok, err)
	}
	if ok, _ := repo.UpdateProgress(dbc, run.ID, 6, 3); ok {
		t.Fatalf("UpdateProgress with stale token must be rejected")
	}

	// Finish clears ownership per the invariant.
	if ok, err := repo.Finish(dbc, run.ID, 7, domain.RunStatusCompleted, []byte(`{"ok":true}`), ""); err != nil || !ok {
		t.Fatalf("Finish: ok=%v err=%v", ok, err)
	}
	got, err = repo.GetByID(dbc, run.ID)
	if err != nil {
		t.Fatalf("GetByID after finish: %v", err)
	}
	if got.Status != domain.RunStatusCompleted || got.OwnerID != nil || got.FencingToken != nil {
		t.Fatalf("finish must clear ownership: %+v", got)
	}

	// Terminal runs reject further writes.
	if ok, _ := repo.Finish(dbc, run.ID, 7, domain.RunStatusFailed, nil, "late"); ok {
		t.Fatalf("terminal run must be immutable")
	}
	if ok, _ := repo.RequestCancel(dbc, run.ID); ok {
		t.Fatalf("terminal run must not accept cancel")
	}
}

func TestRunRepoOrphanFlow(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	repo := NewRunRepo(db, testutil.Logger(t))

	run := seedRun(t, dbc, repo, domain.RunStatusPending)
	if ok, err := repo.MarkRunning(dbc, run.ID, "worker-dead", 3); err != nil || !ok {
		t.Fatalf("MarkRunning: ok=%v err=%v", ok, err)
	}

	// Fresh heartbeat: not an orphan yet.
	orphans, err := repo.ListOrphans(dbc, time.Minute, 10)
	if err != nil {
		t.Fatalf("ListOrphans: %v", err)
	}
	for _, o := range orphans {
		if o.ID == run.ID {
			t.Fatalf("freshly claimed run must not be an orphan")
		}
	}

	// Age the heartbeat past the threshold.
	stale := time.Now().Add(-10 * time.Minute)
	if err := tx.Model(&domain.Run{}).Where("id = ?", run.ID).
		Update("last_heartbeat_at", stale).Error; err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}

	orphans, err = repo.ListOrphans(dbc, time.Minute, 10)
	if err != nil {
		t.Fatalf("ListOrphans stale: %v", err)
	}
	found := false
	for _, o := range orphans {
		if o.ID == run.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("stale run must be listed as orphan")
	}

	// Requeue with the stale token; a second sweep with the same token loses.
	if ok, err := repo.RequeueOrphan(dbc, run.ID, 3); err != nil || !ok {
		t.Fatalf("RequeueOrphan: ok=%v err=%v", ok, err)
	}
	if ok, _ := repo.RequeueOrphan(dbc, run.ID, 3); ok {
		t.Fatalf("double requeue must be rejected")
	}

	got, err := repo.GetByID(dbc, run.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != domain.RunStatusPending || got.OwnerID != nil || got.FencingToken != nil {
		t.Fatalf("requeued orphan must be pending and unowned: %+v", got)
	}
	if got.OrphanRecoveryCount != 1 {
		t.Fatalf("expected orphan_recovery_count=1, got %d", got.OrphanRecoveryCount)
	}

	// Exhausted orphan is parked as failed.
	if ok, err := repo.MarkRunning(dbc, run.ID, "worker-dead-2", 4); err != nil || !ok {
		t.Fatalf("MarkRunning again: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.FailOrphan(dbc, run.ID, 4, "orphan recovery exhausted"); err != nil || !ok {
		t.Fatalf("FailOrphan: ok=%v err=%v", ok, err)
	}
	got, _ = repo.GetByID(dbc, run.ID)
	if got.Status != domain.RunStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}
