package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrLockContention means the resource is held by a live foreign owner.
	// Retryable: nack the message and let the queue redeliver.
	ErrLockContention = errors.New("lock contention")
	// ErrLockOwnershipLost means the caller's fencing token was superseded.
	// Fatal to the current attempt: stop processing, write nothing further.
	ErrLockOwnershipLost = errors.New("lock ownership lost")
	// ErrIdempotencyConflict means the operation is already in flight or done.
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	// ErrCheckpointVersionConflict means a concurrent or stale writer was
	// detected on checkpoint save. Fatal to the current attempt.
	ErrCheckpointVersionConflict = errors.New("checkpoint version conflict")
	// ErrInvalidStateTransition means an illegal run status change was
	// attempted. Programming error; surfaced, never swallowed.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrOrphanRecoveryExhausted means a run exceeded its reclaim budget and
	// was parked as permanently failed.
	ErrOrphanRecoveryExhausted = errors.New("orphan recovery exhausted")
)
