package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/taskmesh-backend/internal/checkpoint"
	"github.com/yungbote/taskmesh-backend/internal/data/repos/runs"
	"github.com/yungbote/taskmesh-backend/internal/domain"
	"github.com/yungbote/taskmesh-backend/internal/idempotency"
	"github.com/yungbote/taskmesh-backend/internal/jobs/queue"
	"github.com/yungbote/taskmesh-backend/internal/jobs/runtime"
	"github.com/yungbote/taskmesh-backend/internal/locking"
	"github.com/yungbote/taskmesh-backend/internal/platform/dbctx"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
)

type testEnv struct {
	t     *testing.T
	q     *queue.MemoryQueue
	repo  *runs.MemoryRunRepo
	locks *locking.MemoryManager
	idem  *idempotency.MemoryStore
	ckpts *checkpoint.MemoryManager
	reg   *runtime.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{
		t:     t,
		q:     queue.NewMemoryQueue(5),
		repo:  runs.NewMemoryRunRepo(),
		locks: locking.NewMemoryManager(),
		idem:  idempotency.NewMemoryStore(idempotency.DefaultConfig()),
		ckpts: checkpoint.NewMemoryManager(0),
		reg:   runtime.NewRegistry(),
	}
}

func (e *testEnv) start(cfg Config, gate runtime.Gate) {
	e.t.Helper()
	log, err := logger.New("test")
	if err != nil {
		e.t.Fatalf("logger.New: %v", err)
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = time.Minute
	}
	proc, err := New(log, cfg, e.q, e.repo, e.locks, e.idem, e.ckpts, e.reg, gate, nil, nil)
	if err != nil {
		e.t.Fatalf("processor.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = proc.Start(ctx)
	}()
	e.t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (e *testEnv) waitFor(cond func() bool, msg string) {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.t.Fatalf("timed out waiting for %s", msg)
}

func (e *testEnv) runStatus(id uuid.UUID) string {
	run, err := e.repo.GetByID(dbctx.Context{Ctx: context.Background()}, id)
	if err != nil {
		return ""
	}
	return run.Status
}

func testMessage(runID uuid.UUID, key string, stepCount int) queue.Message {
	return queue.Message{
		IdempotencyKey: key,
		RunID:          runID,
		TenantID:       uuid.New(),
		RunType:        "agent.workflow",
		StepCount:      stepCount,
		PayloadHash:    "hash-" + key,
		Payload:        []byte(`{"goal":"triage"}`),
	}
}

// recordingExecutor tracks which steps ran and chains artifacts so resume
// gaps are detectable.
type recordingExecutor struct {
	mu    sync.Mutex
	steps []int
	fail  map[int]error
	block chan struct{} // when set, step 0 waits here
}

func (x *recordingExecutor) Type() string { return "agent.workflow" }

func (x *recordingExecutor) ExecuteStep(jc *runtime.Context) ([]byte, error) {
	x.mu.Lock()
	x.steps = append(x.steps, jc.StepIndex())
	block := x.block
	failErr := x.fail[jc.StepIndex()]
	x.mu.Unlock()
	if block != nil && jc.StepIndex() == 0 {
		<-block
	}
	if failErr != nil {
		return nil, failErr
	}
	out := map[string]interface{}{"last_step": jc.StepIndex()}
	if prior := jc.Artifact(); len(prior) > 0 {
		var prev map[string]interface{}
		if err := json.Unmarshal(prior, &prev); err != nil {
			return nil, fmt.Errorf("bad prior artifact: %w", err)
		}
		out["prev_step"] = prev["last_step"]
	}
	return json.Marshal(out)
}

func (x *recordingExecutor) executed() []int {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]int, len(x.steps))
	copy(out, x.steps)
	return out
}

func TestProcessorCompletesRun(t *testing.T) {
	env := newTestEnv(t)
	ex := &recordingExecutor{}
	env.reg.MustRegister(ex)
	env.start(Config{OwnerID: "worker-1"}, nil)

	runID := uuid.New()
	msg := testMessage(runID, "delivery-1", 3)
	if err := env.q.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	env.waitFor(func() bool { return env.runStatus(runID) == domain.RunStatusCompleted }, "run completion")

	steps := ex.executed()
	if len(steps) != 3 {
		t.Fatalf("executed steps = %v, want [0 1 2]", steps)
	}
	for i, s := range steps {
		if s != i {
			t.Fatalf("step order = %v", steps)
		}
	}

	run, err := env.repo.GetByID(dbctx.Context{Ctx: context.Background()}, runID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if run.OwnerID != nil || run.FencingToken != nil {
		t.Fatalf("terminal run kept ownership: owner=%v token=%v", run.OwnerID, run.FencingToken)
	}
	if len(run.Result) == 0 {
		t.Fatal("completed run has no result")
	}

	cp, found, err := env.ckpts.Load(context.Background(), runID)
	if err != nil || !found {
		t.Fatalf("checkpoint load: found=%v err=%v", found, err)
	}
	if cp.StepIndex != 2 || cp.Version != 3 {
		t.Fatalf("final checkpoint step=%d version=%d, want 2/3", cp.StepIndex, cp.Version)
	}

	rec, isNew, err := env.idem.CheckAndCreate(context.Background(), "delivery-1", "hash-delivery-1")
	if err != nil || isNew {
		t.Fatalf("idempotency record after completion: isNew=%v err=%v", isNew, err)
	}
	if rec.Status != domain.IdempotencyStatusCompleted {
		t.Fatalf("idempotency status = %s, want completed", rec.Status)
	}
}

func TestProcessorDeduplicatesRedelivery(t *testing.T) {
	env := newTestEnv(t)
	ex := &recordingExecutor{}
	env.reg.MustRegister(ex)
	env.start(Config{OwnerID: "worker-1"}, nil)

	runID := uuid.New()
	msg := testMessage(runID, "delivery-dup", 2)
	if err := env.q.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	env.waitFor(func() bool { return env.runStatus(runID) == domain.RunStatusCompleted }, "run completion")

	// Same delivery again, e.g. an upstream webhook retry.
	if err := env.q.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	env.waitFor(func() bool { return env.q.Depth() == 0 }, "duplicate settlement")

	if got := len(ex.executed()); got != 2 {
		t.Fatalf("steps executed = %d, want 2 (duplicate must not re-run work)", got)
	}
	if dead := env.q.DeadLetters(); len(dead) != 0 {
		t.Fatalf("duplicate went to dead letters: %d", len(dead))
	}
}

func TestProcessorResumesFromCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	ex := &recordingExecutor{}
	env.reg.MustRegister(ex)

	// A previous worker finished step 0, checkpointed, and died; recovery
	// put the run back to pending.
	runID := uuid.New()
	msg := testMessage(runID, "delivery-resume", 3)
	dbc := dbctx.Context{Ctx: context.Background()}
	if _, _, err := env.repo.CreateIfAbsent(dbc, &domain.Run{
		ID:        runID,
		TenantID:  msg.TenantID,
		RunType:   msg.RunType,
		Status:    domain.RunStatusPending,
		StepCount: 3,
	}); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	if _, err := env.ckpts.Save(context.Background(), runID, 0, 0, []byte(`{"last_step":0}`)); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	env.start(Config{OwnerID: "worker-2"}, nil)
	if err := env.q.Enqueue(context.Background(), msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	env.waitFor(func() bool { return env.runStatus(runID) == domain.RunStatusCompleted }, "run completion")

	steps := ex.executed()
	if len(steps) != 2 || steps[0] != 1 || steps[1] != 2 {
		t.Fatalf("executed steps = %v, want [1 2] (step 0 must not repeat)", steps)
	}

	cp, _, err := env.ckpts.Load(context.Background(), runID)
	if err != nil {
		t.Fatalf("checkpoint load: %v", err)
	}
	if cp.StepIndex != 2 || cp.Version != 3 {
		t.Fatalf("final checkpoint step=%d version=%d, want 2/3", cp.StepIndex, cp.Version)
	}
}

func TestProcessorFailsRunOnStepError(t *testing.T) {
	env := newTestEnv(t)
	ex := &recordingExecutor{fail: map[int]error{1: fmt.Errorf("tool call exploded")}}
	env.reg.MustRegister(ex)
	env.start(Config{OwnerID: "worker-1"}, nil)

	runID := uuid.New()
	if err := env.q.Enqueue(context.Background(), testMessage(runID, "delivery-fail", 3)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	env.waitFor(func() bool { return env.runStatus(runID) == domain.RunStatusFailed }, "run failure")

	run, err := env.repo.GetByID(dbctx.Context{Ctx: context.Background()}, runID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if run.Error == "" {
		t.Fatal("failed run has no error message")
	}
	if run.OwnerID != nil || run.FencingToken != nil {
		t.Fatal("failed run kept ownership")
	}

	rec, _, err := env.idem.CheckAndCreate(context.Background(), "delivery-fail", "hash-delivery-fail")
	if err != nil {
		t.Fatalf("idempotency read: %v", err)
	}
	if rec.Status != domain.IdempotencyStatusFailed {
		t.Fatalf("idempotency status = %s, want failed", rec.Status)
	}
}

func TestProcessorRecoversExecutorPanic(t *testing.T) {
	env := newTestEnv(t)
	env.reg.MustRegister(runtime.ExecutorFunc{
		RunType: "agent.workflow",
		Fn: func(jc *runtime.Context) ([]byte, error) {
			panic("executor bug")
		},
	})
	env.start(Config{OwnerID: "worker-1"}, nil)

	runID := uuid.New()
	if err := env.q.Enqueue(context.Background(), testMessage(runID, "delivery-panic", 2)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	env.waitFor(func() bool { return env.runStatus(runID) == domain.RunStatusFailed }, "run failure after panic")
}

func TestProcessorCancelBetweenSteps(t *testing.T) {
	env := newTestEnv(t)
	var once sync.Once
	env.reg.MustRegister(runtime.ExecutorFunc{
		RunType: "agent.workflow",
		Fn: func(jc *runtime.Context) ([]byte, error) {
			// Operator cancels while step 0 is executing.
			once.Do(func() {
				if _, err := env.repo.RequestCancel(dbctx.Context{Ctx: jc.Ctx()}, jc.RunID()); err != nil {
					t.Errorf("RequestCancel: %v", err)
				}
			})
			return []byte(`{}`), nil
		},
	})
	env.start(Config{OwnerID: "worker-1"}, nil)

	runID := uuid.New()
	if err := env.q.Enqueue(context.Background(), testMessage(runID, "delivery-cancel", 4)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	env.waitFor(func() bool { return env.runStatus(runID) == domain.RunStatusCancelled }, "run cancellation")

	run, err := env.repo.GetByID(dbctx.Context{Ctx: context.Background()}, runID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if run.CurrentStepIndex >= 4 {
		t.Fatalf("cancelled run ran all steps, current_step_index=%d", run.CurrentStepIndex)
	}
}

func TestProcessorGateDenialFailsRun(t *testing.T) {
	env := newTestEnv(t)
	ex := &recordingExecutor{}
	env.reg.MustRegister(ex)
	gate := runtime.GateFunc(func(ctx context.Context, run *domain.Run, stepIndex int) error {
		if stepIndex == 1 {
			return fmt.Errorf("%w: destructive step needs approval", runtime.ErrStepDenied)
		}
		return nil
	})
	env.start(Config{OwnerID: "worker-1"}, gate)

	runID := uuid.New()
	if err := env.q.Enqueue(context.Background(), testMessage(runID, "delivery-gate", 3)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	env.waitFor(func() bool { return env.runStatus(runID) == domain.RunStatusFailed }, "gate denial")

	if steps := ex.executed(); len(steps) != 1 || steps[0] != 0 {
		t.Fatalf("executed steps = %v, want [0] (denied step must not run)", steps)
	}
}

func TestProcessorKeepsDeliveryClaimedDuringLongStep(t *testing.T) {
	env := newTestEnv(t)
	block := make(chan struct{})
	ex := &recordingExecutor{block: block}
	env.reg.MustRegister(ex)
	env.start(Config{
		OwnerID:           "worker-1",
		Concurrency:       1,
		LockTTL:           90 * time.Millisecond,
		HeartbeatInterval: 30 * time.Millisecond,
	}, nil)

	runID := uuid.New()
	if err := env.q.Enqueue(context.Background(), testMessage(runID, "delivery-long", 2)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	env.waitFor(func() bool { return len(ex.executed()) > 0 }, "step 0 start")

	// Step 0 outlives the lock TTL; the heartbeat must keep both the lock
	// and the queue delivery fresh so no peer steals the entry mid-run.
	time.Sleep(200 * time.Millisecond)
	if env.q.TotalTouches() == 0 {
		t.Fatal("delivery was never touched while its step was in flight")
	}
	close(block)

	env.waitFor(func() bool { return env.runStatus(runID) == domain.RunStatusCompleted }, "run completion")
	if dead := env.q.DeadLetters(); len(dead) != 0 {
		t.Fatalf("healthy long run produced dead letters: %d", len(dead))
	}
}

func TestProcessorAbortsAfterLockLoss(t *testing.T) {
	env := newTestEnv(t)
	env.q = queue.NewMemoryQueue(1) // first nack dead-letters
	block := make(chan struct{})
	ex := &recordingExecutor{block: block}
	env.reg.MustRegister(ex)
	env.start(Config{
		OwnerID:           "worker-1",
		Concurrency:       1,
		LockTTL:           90 * time.Millisecond,
		HeartbeatInterval: 30 * time.Millisecond,
	}, nil)

	runID := uuid.New()
	if err := env.q.Enqueue(context.Background(), testMessage(runID, "delivery-fence", 3)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	env.waitFor(func() bool { return len(ex.executed()) > 0 }, "step 0 start")

	// Recovery (or an operator) rips the lock away mid-step.
	if err := env.locks.ForceRelease(context.Background(), locking.RunLockKey(runID)); err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}
	time.Sleep(120 * time.Millisecond) // let the heartbeat notice
	close(block)

	env.waitFor(func() bool { return len(env.q.DeadLetters()) == 1 }, "delivery settlement after abort")

	// The superseded worker must not have completed the run.
	if st := env.runStatus(runID); st == domain.RunStatusCompleted {
		t.Fatal("superseded worker completed the run")
	}
	if steps := ex.executed(); len(steps) > 1 {
		t.Fatalf("superseded worker kept executing: %v", steps)
	}
}
