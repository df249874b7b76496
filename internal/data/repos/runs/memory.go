package runs

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/taskmesh-backend/internal/domain"
	apperrors "github.com/yungbote/taskmesh-backend/internal/pkg/errors"
	"github.com/yungbote/taskmesh-backend/internal/platform/dbctx"
)

// MemoryRunRepo mirrors the GORM repo's guarded-update semantics on a map,
// for processor/recovery tests and single-node runs without Postgres. Every
// guard the SQL WHERE clauses express is re-applied here.
type MemoryRunRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.Run
	now  func() time.Time
}

func NewMemoryRunRepo() *MemoryRunRepo {
	return &MemoryRunRepo{
		rows: map[uuid.UUID]*domain.Run{},
		now:  time.Now,
	}
}

// SetClock overrides time for tests.
func (r *MemoryRunRepo) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func copyRun(run *domain.Run) *domain.Run {
	out := *run
	if run.OwnerID != nil {
		v := *run.OwnerID
		out.OwnerID = &v
	}
	if run.FencingToken != nil {
		v := *run.FencingToken
		out.FencingToken = &v
	}
	if run.LastHeartbeatAt != nil {
		v := *run.LastHeartbeatAt
		out.LastHeartbeatAt = &v
	}
	return &out
}

func (r *MemoryRunRepo) CreateIfAbsent(_ dbctx.Context, run *domain.Run) (*domain.Run, bool, error) {
	if run == nil || run.ID == uuid.Nil {
		return nil, false, fmt.Errorf("run id required: %w", apperrors.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.rows[run.ID]; ok {
		return copyRun(existing), false, nil
	}
	stored := copyRun(run)
	if stored.Status == "" {
		stored.Status = domain.RunStatusPending
	}
	now := r.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.rows[run.ID] = stored
	return copyRun(stored), true, nil
}

func (r *MemoryRunRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.rows[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, apperrors.ErrNotFound)
	}
	return copyRun(run), nil
}

func (r *MemoryRunRepo) ListRecentByTenant(_ dbctx.Context, tenantID uuid.UUID, limit int) ([]*domain.Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Run
	for _, run := range r.rows {
		if run.TenantID == tenantID {
			out = append(out, copyRun(run))
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRunRepo) MarkRunning(_ dbctx.Context, id uuid.UUID, ownerID string, token int64) (bool, error) {
	if err := domain.ValidateTransition(domain.RunStatusPending, domain.RunStatusRunning); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.rows[id]
	if !ok || run.Status != domain.RunStatusPending {
		return false, nil
	}
	now := r.now()
	run.Status = domain.RunStatusRunning
	run.OwnerID = &ownerID
	run.FencingToken = &token
	run.LastHeartbeatAt = &now
	run.UpdatedAt = now
	return true, nil
}

func (r *MemoryRunRepo) owned(run *domain.Run, ownerID *string, token int64) bool {
	if run.Status != domain.RunStatusRunning || run.FencingToken == nil || *run.FencingToken != token {
		return false
	}
	if ownerID != nil && (run.OwnerID == nil || *run.OwnerID != *ownerID) {
		return false
	}
	return true
}

func (r *MemoryRunRepo) Heartbeat(_ dbctx.Context, id uuid.UUID, ownerID string, token int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.rows[id]
	if !ok || !r.owned(run, &ownerID, token) {
		return false, nil
	}
	now := r.now()
	run.LastHeartbeatAt = &now
	run.UpdatedAt = now
	return true, nil
}

func (r *MemoryRunRepo) UpdateProgress(_ dbctx.Context, id uuid.UUID, token int64, stepIndex int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.rows[id]
	if !ok || !r.owned(run, nil, token) {
		return false, nil
	}
	now := r.now()
	run.CurrentStepIndex = stepIndex
	run.LastHeartbeatAt = &now
	run.UpdatedAt = now
	return true, nil
}

func (r *MemoryRunRepo) Finish(_ dbctx.Context, id uuid.UUID, token int64, status string, result []byte, errMsg string) (bool, error) {
	if err := domain.ValidateTransition(domain.RunStatusRunning, status); err != nil {
		return false, err
	}
	if !domain.TerminalStatus(status) {
		return false, fmt.Errorf("finish run %s to %s: %w", id, status, apperrors.ErrInvalidStateTransition)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.rows[id]
	if !ok || !r.owned(run, nil, token) {
		return false, nil
	}
	run.Status = status
	run.OwnerID = nil
	run.FencingToken = nil
	run.Error = errMsg
	if result != nil {
		run.Result = datatypes.JSON(result)
	}
	run.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRunRepo) RequestCancel(_ dbctx.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.rows[id]
	if !ok {
		return false, nil
	}
	if run.Status != domain.RunStatusPending && run.Status != domain.RunStatusRunning {
		return false, nil
	}
	run.CancelRequested = true
	run.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRunRepo) ListOrphans(_ dbctx.Context, staleAfter time.Duration, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-staleAfter)
	var out []*domain.Run
	for _, run := range r.rows {
		if run.Status == domain.RunStatusRunning && run.LastHeartbeatAt != nil && run.LastHeartbeatAt.Before(cutoff) {
			out = append(out, copyRun(run))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *MemoryRunRepo) RequeueOrphan(_ dbctx.Context, id uuid.UUID, staleToken int64) (bool, error) {
	if err := domain.ValidateTransition(domain.RunStatusRunning, domain.RunStatusPending); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.rows[id]
	if !ok || !r.owned(run, nil, staleToken) {
		return false, nil
	}
	run.Status = domain.RunStatusPending
	run.OwnerID = nil
	run.FencingToken = nil
	run.LastHeartbeatAt = nil
	run.OrphanRecoveryCount++
	run.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRunRepo) FailOrphan(_ dbctx.Context, id uuid.UUID, staleToken int64, errMsg string) (bool, error) {
	if err := domain.ValidateTransition(domain.RunStatusRunning, domain.RunStatusFailed); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.rows[id]
	if !ok || !r.owned(run, nil, staleToken) {
		return false, nil
	}
	run.Status = domain.RunStatusFailed
	run.OwnerID = nil
	run.FencingToken = nil
	run.Error = errMsg
	run.UpdatedAt = r.now()
	return true, nil
}
