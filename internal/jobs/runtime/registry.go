package runtime

import (
	"fmt"
	"sync"

	apperrors "github.com/yungbote/taskmesh-backend/internal/pkg/errors"
)

// Executor runs one step of a typed run. Implementations must be safe for
// concurrent use: the processor invokes the same executor from many workers.
//
// ExecuteStep receives the run's payload and the artifact produced by the
// previous step (nil on the first step) and returns the artifact for this
// step. A returned error fails the whole run; transient conditions should be
// retried inside the step, because the run-level retry path replays from the
// last checkpoint, not from the failed instant.
type Executor interface {
	Type() string
	ExecuteStep(jc *Context) ([]byte, error)
}

// ExecutorFunc adapts a function to Executor for small step pipelines.
type ExecutorFunc struct {
	RunType string
	Fn      func(jc *Context) ([]byte, error)
}

func (e ExecutorFunc) Type() string { return e.RunType }

func (e ExecutorFunc) ExecuteStep(jc *Context) ([]byte, error) { return e.Fn(jc) }

// Registry maps run_type to its executor. Registration happens at boot;
// lookups happen on every delivery.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

func (r *Registry) Register(ex Executor) error {
	if ex == nil || ex.Type() == "" {
		return fmt.Errorf("executor with run type required: %w", apperrors.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[ex.Type()]; exists {
		return fmt.Errorf("executor for run type %q already registered", ex.Type())
	}
	r.executors[ex.Type()] = ex
	return nil
}

// MustRegister is for boot-time wiring where a duplicate is a programming
// error.
func (r *Registry) MustRegister(ex Executor) {
	if err := r.Register(ex); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(runType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[runType]
	if !ok {
		return nil, fmt.Errorf("no executor for run type %q: %w", runType, apperrors.ErrNotFound)
	}
	return ex, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	return out
}
