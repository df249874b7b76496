package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

/*
RunCheckpoint is the single latest-checkpoint row per run. Version is
monotonic and saves are compare-and-swap on it, so a reclaimed worker holding
a stale version can never overwrite newer progress. StepIndex is the index of
the last step that completed; resume starts at StepIndex+1.
*/
type RunCheckpoint struct {
	RunID     uuid.UUID      `gorm:"type:uuid;primaryKey" json:"run_id"`
	Version   int64          `gorm:"column:version;not null;default:0" json:"version"`
	StepIndex int            `gorm:"column:step_index;not null;default:0" json:"step_index"`
	Artifact  datatypes.JSON `gorm:"column:artifact;type:jsonb" json:"artifact"`
	Truncated bool           `gorm:"column:truncated;not null;default:false" json:"truncated"`
	SavedAt   time.Time      `gorm:"column:saved_at;not null;default:now()" json:"saved_at"`
}

func (RunCheckpoint) TableName() string { return "run_checkpoint" }
