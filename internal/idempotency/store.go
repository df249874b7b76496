package idempotency

import (
	"context"
	"time"

	"github.com/yungbote/taskmesh-backend/internal/domain"
)

/*
Store is atomic check-and-create deduplication keyed by a caller-supplied
idempotency key (typically a webhook delivery id).

CheckAndCreate inserts a pending record if the key is absent and reports
isNew=true; an existing record is returned unmodified with isNew=false and
the caller decides: wait (live pending), return the cached result
(completed), or retry per policy (failed). The one exception is an abandoned
pending record older than the stale threshold: it is re-armed in place
(attempts incremented) and handed back with isNew=true, unless attempts are
exhausted, in which case it is marked permanently failed.

Complete and Fail are guarded pending-only updates, so double completion is
impossible.
*/
type Store interface {
	CheckAndCreate(ctx context.Context, key, payloadHash string) (*domain.IdempotencyRecord, bool, error)
	Complete(ctx context.Context, key string, result []byte) error
	Fail(ctx context.Context, key string, cause string) error
	Cleanup(ctx context.Context, batchSize int) (int64, error)
}

// Config carries the store's TTL and retry policy. CompletedTTL is
// deliberately much longer than FailedTTL so repeat callers keep getting the
// cached success while retries of failures unblock within the hour.
type Config struct {
	CompletedTTL time.Duration
	FailedTTL    time.Duration
	// PendingTTL bounds how long an untouched pending record stays
	// authoritative. Keep it above the lock TTL so a live worker is never
	// raced by a duplicate delivery.
	PendingTTL  time.Duration
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		CompletedTTL: 24 * time.Hour,
		FailedTTL:    1 * time.Hour,
		PendingTTL:   5 * time.Minute,
		MaxAttempts:  5,
	}
}

// cleanupMaxBatches caps one Cleanup pass so an expiry backlog can never
// starve the caller.
const cleanupMaxBatches = 32
