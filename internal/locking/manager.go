package locking

import (
	"context"
	"time"
)

/*
Manager is TTL-based mutual exclusion over a resource key (here: a run id)
with fencing tokens. For a given key at most one non-expired holder exists,
and the token strictly increases across successive acquisitions of the key —
including forced ones — so any write guarded by an old token is rejected
after the holder has been superseded.

Error semantics:
  - Acquire on a live foreign lock returns ErrLockContention (retryable).
  - Extend/Release with a stale owner/token return ErrLockOwnershipLost,
    which is fatal to the current execution attempt.
  - ForceRelease is for the recovery sweep only; it skips the owner check
    but still bumps the token.
*/
type Manager interface {
	Acquire(ctx context.Context, key, ownerID string, ttl time.Duration) (int64, error)
	Extend(ctx context.Context, key, ownerID string, token int64, ttl time.Duration) error
	Release(ctx context.Context, key, ownerID string, token int64) error
	ForceRelease(ctx context.Context, key string) error
}
