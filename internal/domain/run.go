package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	apperrors "github.com/yungbote/taskmesh-backend/internal/pkg/errors"
)

// Run statuses. Terminal statuses are immutable once reached; the transition
// table below is the single source of truth, enforced in ValidateTransition
// and again by the repo's guarded status updates.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

/*
Run is one unit of end-to-end work: a multi-step agent job that must execute
exactly once across worker crashes and message redeliveries.
Ownership invariant: owner_id and fencing_token are set if and only if
status == running. All mutations while running go through the fenced repo
updates; only the recovery sweep may bypass the fence.
*/
type Run struct {
	ID                  uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID            uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	RunType             string         `gorm:"column:run_type;not null;index" json:"run_type"`
	Status              string         `gorm:"column:status;not null;index" json:"status"`
	CurrentStepIndex    int            `gorm:"column:current_step_index;not null;default:0" json:"current_step_index"`
	StepCount           int            `gorm:"column:step_count;not null;default:0" json:"step_count"`
	OwnerID             *string        `gorm:"column:owner_id;index" json:"owner_id,omitempty"`
	FencingToken        *int64         `gorm:"column:fencing_token" json:"fencing_token,omitempty"`
	LastHeartbeatAt     *time.Time     `gorm:"column:last_heartbeat_at;index" json:"last_heartbeat_at,omitempty"`
	OrphanRecoveryCount int            `gorm:"column:orphan_recovery_count;not null;default:0" json:"orphan_recovery_count"`
	CancelRequested     bool           `gorm:"column:cancel_requested;not null;default:false" json:"cancel_requested"`
	Payload             datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Result              datatypes.JSON `gorm:"column:result;type:jsonb" json:"result"`
	Error               string         `gorm:"column:error" json:"error,omitempty"`
	CreatedAt           time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Run) TableName() string { return "run" }

func (r *Run) Terminal() bool { return TerminalStatus(r.Status) }

func TerminalStatus(status string) bool {
	switch status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// runTransitions lists the allowed from→to edges. running→pending exists
// only for orphan recovery re-queueing.
var runTransitions = map[string][]string{
	RunStatusPending: {RunStatusRunning, RunStatusFailed, RunStatusCancelled},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusPending},
}

// ValidateTransition returns ErrInvalidStateTransition unless from→to is an
// allowed edge. Terminal states have no outgoing edges.
func ValidateTransition(from, to string) error {
	for _, allowed := range runTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("run transition %s -> %s: %w", from, to, apperrors.ErrInvalidStateTransition)
}
