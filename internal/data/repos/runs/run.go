package runs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/taskmesh-backend/internal/domain"
	apperrors "github.com/yungbote/taskmesh-backend/internal/pkg/errors"
	"github.com/yungbote/taskmesh-backend/internal/platform/dbctx"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
)

/*
RunRepo owns every mutation of the run table. The write discipline is
"holder of the current fencing token may write": all status and progress
updates while a run is running carry the caller's token in the WHERE clause,
so a worker whose lock was reclaimed cannot overwrite newer state no matter
what its local process believes. Only RequeueOrphan and FailOrphan (recovery
sweep) bypass the fence, and they bypass it by matching the stale token they
are evicting.
*/
type RunRepo interface {
	CreateIfAbsent(dbc dbctx.Context, run *domain.Run) (*domain.Run, bool, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Run, error)
	ListRecentByTenant(dbc dbctx.Context, tenantID uuid.UUID, limit int) ([]*domain.Run, error)

	MarkRunning(dbc dbctx.Context, id uuid.UUID, ownerID string, token int64) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID, ownerID string, token int64) (bool, error)
	UpdateProgress(dbc dbctx.Context, id uuid.UUID, token int64, stepIndex int) (bool, error)
	Finish(dbc dbctx.Context, id uuid.UUID, token int64, status string, result []byte, errMsg string) (bool, error)

	RequestCancel(dbc dbctx.Context, id uuid.UUID) (bool, error)

	ListOrphans(dbc dbctx.Context, staleAfter time.Duration, limit int) ([]*domain.Run, error)
	RequeueOrphan(dbc dbctx.Context, id uuid.UUID, staleToken int64) (bool, error)
	FailOrphan(dbc dbctx.Context, id uuid.UUID, staleToken int64, errMsg string) (bool, error)
}

type runRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRunRepo(db *gorm.DB, baseLog *logger.Logger) RunRepo {
	return &runRepo{
		db:  db,
		log: baseLog.With("repo", "RunRepo"),
	}
}

func (r *runRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

// CreateIfAbsent inserts the run row on first delivery; a redelivery finds
// the existing row and reports created=false.
func (r *runRepo) CreateIfAbsent(dbc dbctx.Context, run *domain.Run) (*domain.Run, bool, error) {
	if run == nil || run.ID == uuid.Nil {
		return nil, false, fmt.Errorf("run id required: %w", apperrors.ErrInvalidArgument)
	}
	if run.Status == "" {
		run.Status = domain.RunStatusPending
	}
	res := r.handle(dbc).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(run)
	if res.Error != nil {
		return nil, false, fmt.Errorf("create run %s: %w", run.ID, res.Error)
	}
	if res.RowsAffected == 1 {
		return run, true, nil
	}
	existing, err := r.GetByID(dbc, run.ID)
	return existing, false, err
}

func (r *runRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Run, error) {
	var run domain.Run
	err := r.handle(dbc).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &run, nil
}

func (r *runRepo) ListRecentByTenant(dbc dbctx.Context, tenantID uuid.UUID, limit int) ([]*domain.Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []*domain.Run
	err := r.handle(dbc).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list runs tenant=%s: %w", tenantID, err)
	}
	return out, nil
}

// MarkRunning claims a pending run for the given lock holder. The guard on
// status makes the pending→running edge happen exactly once per acquisition.
func (r *runRepo) MarkRunning(dbc dbctx.Context, id uuid.UUID, ownerID string, token int64) (bool, error) {
	if err := domain.ValidateTransition(domain.RunStatusPending, domain.RunStatusRunning); err != nil {
		return false, err
	}
	now := time.Now()
	res := r.handle(dbc).
		Model(&domain.Run{}).
		Where("id = ? AND status = ?", id, domain.RunStatusPending).
		Updates(map[string]interface{}{
			"status":            domain.RunStatusRunning,
			"owner_id":          ownerID,
			"fencing_token":     token,
			"last_heartbeat_at": now,
			"updated_at":        now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark running %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Heartbeat touches last_heartbeat_at, fenced on owner and token. A false
// return means the caller no longer owns the run.
func (r *runRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID, ownerID string, token int64) (bool, error) {
	now := time.Now()
	res := r.handle(dbc).
		Model(&domain.Run{}).
		Where("id = ? AND status = ? AND owner_id = ? AND fencing_token = ?",
			id, domain.RunStatusRunning, ownerID, token).
		Updates(map[string]interface{}{
			"last_heartbeat_at": now,
			"updated_at":        now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("heartbeat run %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *runRepo) UpdateProgress(dbc dbctx.Context, id uuid.UUID, token int64, stepIndex int) (bool, error) {
	now := time.Now()
	res := r.handle(dbc).
		Model(&domain.Run{}).
		Where("id = ? AND status = ? AND fencing_token = ?", id, domain.RunStatusRunning, token).
		Updates(map[string]interface{}{
			"current_step_index": stepIndex,
			"last_heartbeat_at":  now,
			"updated_at":         now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("update progress run %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Finish moves a running run to its terminal status, fenced on the token,
// and clears ownership per the status↔ownership invariant.
func (r *runRepo) Finish(dbc dbctx.Context, id uuid.UUID, token int64, status string, result []byte, errMsg string) (bool, error) {
	if err := domain.ValidateTransition(domain.RunStatusRunning, status); err != nil {
		return false, err
	}
	if !domain.TerminalStatus(status) {
		return false, fmt.Errorf("finish run %s to %s: %w", id, status, apperrors.ErrInvalidStateTransition)
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":        status,
		"owner_id":      nil,
		"fencing_token": nil,
		"error":         errMsg,
		"updated_at":    now,
	}
	if result != nil {
		updates["result"] = result
	}
	res := r.handle(dbc).
		Model(&domain.Run{}).
		Where("id = ? AND status = ? AND fencing_token = ?", id, domain.RunStatusRunning, token).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("finish run %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RequestCancel flips the cooperative cancellation flag. Terminal runs are
// left untouched.
func (r *runRepo) RequestCancel(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	res := r.handle(dbc).
		Model(&domain.Run{}).
		Where("id = ? AND status IN ?", id, []string{domain.RunStatusPending, domain.RunStatusRunning}).
		Updates(map[string]interface{}{
			"cancel_requested": true,
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("request cancel run %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *runRepo) ListOrphans(dbc dbctx.Context, staleAfter time.Duration, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().Add(-staleAfter)
	var out []*domain.Run
	err := r.handle(dbc).
		Where("status = ? AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?",
			domain.RunStatusRunning, cutoff).
		Order("last_heartbeat_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	return out, nil
}

// RequeueOrphan is the recovery-only running→pending edge. Matching the
// stale token means two concurrent sweeps reclaim a run exactly once, and a
// run whose worker came back alive (new token) is left alone.
func (r *runRepo) RequeueOrphan(dbc dbctx.Context, id uuid.UUID, staleToken int64) (bool, error) {
	if err := domain.ValidateTransition(domain.RunStatusRunning, domain.RunStatusPending); err != nil {
		return false, err
	}
	res := r.handle(dbc).
		Model(&domain.Run{}).
		Where("id = ? AND status = ? AND fencing_token = ?", id, domain.RunStatusRunning, staleToken).
		Updates(map[string]interface{}{
			"status":                domain.RunStatusPending,
			"owner_id":              nil,
			"fencing_token":         nil,
			"last_heartbeat_at":     nil,
			"orphan_recovery_count": gorm.Expr("orphan_recovery_count + 1"),
			"updated_at":            time.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("requeue orphan %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// FailOrphan parks a run that exceeded its reclaim budget.
func (r *runRepo) FailOrphan(dbc dbctx.Context, id uuid.UUID, staleToken int64, errMsg string) (bool, error) {
	if err := domain.ValidateTransition(domain.RunStatusRunning, domain.RunStatusFailed); err != nil {
		return false, err
	}
	res := r.handle(dbc).
		Model(&domain.Run{}).
		Where("id = ? AND status = ? AND fencing_token = ?", id, domain.RunStatusRunning, staleToken).
		Updates(map[string]interface{}{
			"status":        domain.RunStatusFailed,
			"owner_id":      nil,
			"fencing_token": nil,
			"error":         errMsg,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("fail orphan %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}
