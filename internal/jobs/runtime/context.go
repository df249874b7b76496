package runtime

import (
	"context"

	"github.com/google/uuid"

	"github.com/yungbote/taskmesh-backend/internal/data/repos/runs"
	"github.com/yungbote/taskmesh-backend/internal/domain"
	"github.com/yungbote/taskmesh-backend/internal/platform/dbctx"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
)

/*
Context is the capability surface handed to an executor for one step. It is
deliberately narrow: an executor can read the run, its payload and the prior
artifact, log, and poll for cooperative cancellation. All writes — progress,
checkpoints, terminal status — stay with the processor, which holds the
fencing token.
*/
type Context struct {
	ctx       context.Context
	log       *logger.Logger
	repo      runs.RunRepo
	run       *domain.Run
	stepIndex int
	artifact  []byte
}

func NewContext(ctx context.Context, log *logger.Logger, repo runs.RunRepo, run *domain.Run, stepIndex int, artifact []byte) *Context {
	return &Context{
		ctx: ctx,
		log: log.With(
			"run_id", run.ID,
			"run_type", run.RunType,
			"step_index", stepIndex,
		),
		repo:      repo,
		run:       run,
		stepIndex: stepIndex,
		artifact:  artifact,
	}
}

func (c *Context) Ctx() context.Context { return c.ctx }

func (c *Context) Log() *logger.Logger { return c.log }

func (c *Context) RunID() uuid.UUID { return c.run.ID }

func (c *Context) TenantID() uuid.UUID { return c.run.TenantID }

func (c *Context) StepIndex() int { return c.stepIndex }

func (c *Context) StepCount() int { return c.run.StepCount }

// Payload is the run's input document, identical on every step and every
// retry.
func (c *Context) Payload() []byte {
	if c.run.Payload == nil {
		return nil
	}
	return []byte(c.run.Payload)
}

// Artifact is the checkpointed output of the previous step, nil on the first
// step of a fresh run.
func (c *Context) Artifact() []byte { return c.artifact }

// CancelRequested re-reads the run row and reports whether a cancel has been
// asked for. Long steps should poll this at their own safe points; the
// processor only checks between steps.
func (c *Context) CancelRequested() (bool, error) {
	run, err := c.repo.GetByID(dbctx.Context{Ctx: c.ctx}, c.run.ID)
	if err != nil {
		return false, err
	}
	return run.CancelRequested, nil
}
