package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/taskmesh-backend/internal/domain"
	apperrors "github.com/yungbote/taskmesh-backend/internal/pkg/errors"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
)

// GormManager keeps one latest-checkpoint row per run in Postgres.
type GormManager struct {
	db       *gorm.DB
	log      *logger.Logger
	maxBytes int
}

func NewGormManager(db *gorm.DB, baseLog *logger.Logger, maxArtifactBytes int) *GormManager {
	if maxArtifactBytes <= 0 {
		maxArtifactBytes = DefaultMaxArtifactBytes
	}
	return &GormManager{
		db:       db,
		log:      baseLog.With("component", "CheckpointManager"),
		maxBytes: maxArtifactBytes,
	}
}

func (m *GormManager) Save(ctx context.Context, runID uuid.UUID, expectedVersion int64, stepIndex int, artifact []byte) (int64, error) {
	if runID == uuid.Nil {
		return 0, fmt.Errorf("checkpoint save: %w", apperrors.ErrInvalidArgument)
	}
	clamped, truncated := Clamp(artifact, m.maxBytes)
	if truncated {
		m.log.Warn("Checkpoint artifact truncated", "run_id", runID, "size", len(artifact), "bound", m.maxBytes)
	}
	now := time.Now()
	newVersion := expectedVersion + 1

	if expectedVersion == 0 {
		// First checkpoint: insert-if-absent, so two racing version-0 writers
		// resolve to exactly one winner.
		row := &domain.RunCheckpoint{
			RunID:     runID,
			Version:   newVersion,
			StepIndex: stepIndex,
			Artifact:  datatypes.JSON(clamped),
			Truncated: truncated,
			SavedAt:   now,
		}
		res := m.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "run_id"}}, DoNothing: true}).
			Create(row)
		if res.Error != nil {
			return 0, fmt.Errorf("checkpoint insert run=%s: %w", runID, res.Error)
		}
		if res.RowsAffected == 0 {
			return 0, fmt.Errorf("checkpoint insert run=%s: %w", runID, apperrors.ErrCheckpointVersionConflict)
		}
		return newVersion, nil
	}

	res := m.db.WithContext(ctx).
		Model(&domain.RunCheckpoint{}).
		Where("run_id = ? AND version = ?", runID, expectedVersion).
		Updates(map[string]interface{}{
			"version":    newVersion,
			"step_index": stepIndex,
			"artifact":   datatypes.JSON(clamped),
			"truncated":  truncated,
			"saved_at":   now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("checkpoint save run=%s: %w", runID, res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("checkpoint save run=%s expected_version=%d: %w", runID, expectedVersion, apperrors.ErrCheckpointVersionConflict)
	}
	return newVersion, nil
}

func (m *GormManager) Load(ctx context.Context, runID uuid.UUID) (*domain.RunCheckpoint, bool, error) {
	var cp domain.RunCheckpoint
	err := m.db.WithContext(ctx).First(&cp, "run_id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint load run=%s: %w", runID, err)
	}
	return &cp, true, nil
}
