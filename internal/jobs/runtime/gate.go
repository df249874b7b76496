package runtime

import (
	"context"
	"errors"

	"github.com/yungbote/taskmesh-backend/internal/domain"
)

// ErrStepDenied is returned by a Gate that refuses a step. The processor
// fails the run with the gate's reason instead of executing the step.
var ErrStepDenied = errors.New("step denied by approval gate")

// Gate is consulted before every step. It exists for policy hooks (budget
// checks, human approval of destructive steps); the default installation
// allows everything.
type Gate interface {
	ApproveStep(ctx context.Context, run *domain.Run, stepIndex int) error
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, run *domain.Run, stepIndex int) error

func (f GateFunc) ApproveStep(ctx context.Context, run *domain.Run, stepIndex int) error {
	return f(ctx, run, stepIndex)
}

type allowAllGate struct{}

func (allowAllGate) ApproveStep(context.Context, *domain.Run, int) error { return nil }

// AllowAll approves every step.
func AllowAll() Gate { return allowAllGate{} }
