package executors

import (
	"encoding/json"

	"github.com/yungbote/taskmesh-backend/internal/jobs/runtime"
)

// EchoExecutor is the built-in smoke-test run type: each step passes the
// payload through and records how far it got. Deployments use it to verify
// the full submit→execute→checkpoint→complete path before registering real
// workflow executors.
type EchoExecutor struct{}

func (EchoExecutor) Type() string { return "echo" }

func (EchoExecutor) ExecuteStep(jc *runtime.Context) ([]byte, error) {
	out := map[string]interface{}{
		"step":  jc.StepIndex(),
		"steps": jc.StepCount(),
	}
	var payload interface{}
	if raw := jc.Payload(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err == nil {
			out["payload"] = payload
		}
	}
	return json.Marshal(out)
}
