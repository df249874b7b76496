package services

import (
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/taskmesh-backend/internal/domain"
)

const (
	RunEventStarted   = "run.started"
	RunEventProgress  = "run.progress"
	RunEventCompleted = "run.completed"
	RunEventFailed    = "run.failed"
	RunEventCancelled = "run.cancelled"
	RunEventRequeued  = "run.requeued"
)

// RunEvent is the wire shape published on the run-event bus. Consumers are
// UI/SSE fanout and operator tooling; nothing in the reliability core reads
// these back.
type RunEvent struct {
	Event     string    `json:"event"`
	TenantID  uuid.UUID `json:"tenant_id"`
	RunID     uuid.UUID `json:"run_id"`
	RunType   string    `json:"run_type"`
	Status    string    `json:"status"`
	StepIndex int       `json:"step_index"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// RunNotifier emits run lifecycle events. Implementations must be safe for
// concurrent use and must never block run execution; a lost event is
// acceptable, a stalled worker is not.
type RunNotifier interface {
	RunStarted(run *domain.Run)
	RunProgress(run *domain.Run, stepIndex int)
	RunCompleted(run *domain.Run)
	RunFailed(run *domain.Run, errMsg string)
	RunCancelled(run *domain.Run)
	RunRequeued(run *domain.Run)
}

// NopRunNotifier is used in tests and when no bus is configured.
type NopRunNotifier struct{}

func (NopRunNotifier) RunStarted(*domain.Run)          {}
func (NopRunNotifier) RunProgress(*domain.Run, int)    {}
func (NopRunNotifier) RunCompleted(*domain.Run)        {}
func (NopRunNotifier) RunFailed(*domain.Run, string)   {}
func (NopRunNotifier) RunCancelled(*domain.Run)        {}
func (NopRunNotifier) RunRequeued(*domain.Run)         {}

func NewRunEvent(event string, run *domain.Run, stepIndex int, errMsg string) RunEvent {
	return RunEvent{
		Event:     event,
		TenantID:  run.TenantID,
		RunID:     run.ID,
		RunType:   run.RunType,
		Status:    run.Status,
		StepIndex: stepIndex,
		Error:     errMsg,
		At:        time.Now(),
	}
}
