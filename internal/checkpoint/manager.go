package checkpoint

import (
	"context"

	"github.com/google/uuid"

	"github.com/yungbote/taskmesh-backend/internal/domain"
)

/*
Manager is versioned per-run progress persistence. Save is a compare-and-swap
on the stored version: a mismatch means a different (possibly reclaimed)
worker already progressed the run, and the detecting worker must abort — not
retry-and-overwrite. Artifacts above the configured bound are stored
truncated with the Truncated flag set; the limitation is recorded, never
hidden.
*/
type Manager interface {
	Save(ctx context.Context, runID uuid.UUID, expectedVersion int64, stepIndex int, artifact []byte) (int64, error)
	Load(ctx context.Context, runID uuid.UUID) (*domain.RunCheckpoint, bool, error)
}

// DefaultMaxArtifactBytes bounds a checkpoint artifact. Step outputs beyond
// this are references into blob storage, not inline state.
const DefaultMaxArtifactBytes = 256 * 1024

// Clamp applies the artifact size bound and reports whether it truncated.
func Clamp(artifact []byte, maxBytes int) ([]byte, bool) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxArtifactBytes
	}
	if len(artifact) <= maxBytes {
		return artifact, false
	}
	out := make([]byte, maxBytes)
	copy(out, artifact[:maxBytes])
	return out, true
}
