package locking

import "github.com/google/uuid"

// RunLockKey is the lock key for a run. The processor and the recovery
// sweep must agree on this or force-release would miss.
func RunLockKey(runID uuid.UUID) string {
	return "run:" + runID.String()
}
