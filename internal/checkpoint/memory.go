package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/taskmesh-backend/internal/domain"
	apperrors "github.com/yungbote/taskmesh-backend/internal/pkg/errors"
)

// MemoryManager mirrors GormManager semantics for tests.
type MemoryManager struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]*domain.RunCheckpoint
	maxBytes int
}

func NewMemoryManager(maxArtifactBytes int) *MemoryManager {
	if maxArtifactBytes <= 0 {
		maxArtifactBytes = DefaultMaxArtifactBytes
	}
	return &MemoryManager{
		rows:     map[uuid.UUID]*domain.RunCheckpoint{},
		maxBytes: maxArtifactBytes,
	}
}

func (m *MemoryManager) Save(ctx context.Context, runID uuid.UUID, expectedVersion int64, stepIndex int, artifact []byte) (int64, error) {
	if runID == uuid.Nil {
		return 0, fmt.Errorf("checkpoint save: %w", apperrors.ErrInvalidArgument)
	}
	clamped, truncated := Clamp(artifact, m.maxBytes)

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.rows[runID]
	var version int64
	if ok {
		version = cur.Version
	}
	if version != expectedVersion {
		return 0, fmt.Errorf("checkpoint save run=%s expected_version=%d stored=%d: %w",
			runID, expectedVersion, version, apperrors.ErrCheckpointVersionConflict)
	}
	m.rows[runID] = &domain.RunCheckpoint{
		RunID:     runID,
		Version:   expectedVersion + 1,
		StepIndex: stepIndex,
		Artifact:  datatypes.JSON(clamped),
		Truncated: truncated,
		SavedAt:   time.Now(),
	}
	return expectedVersion + 1, nil
}

func (m *MemoryManager) Load(ctx context.Context, runID uuid.UUID) (*domain.RunCheckpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.rows[runID]
	if !ok {
		return nil, false, nil
	}
	out := *cur
	return &out, true, nil
}
