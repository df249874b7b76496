package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/yungbote/taskmesh-backend/internal/domain"
	apperrors "github.com/yungbote/taskmesh-backend/internal/pkg/errors"
)

// MemoryStore mirrors GormStore semantics for tests and single-node use.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]*domain.IdempotencyRecord
	cfg  Config
	now  func() time.Time
}

func NewMemoryStore(cfg Config) *MemoryStore {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		recs: map[string]*domain.IdempotencyRecord{},
		cfg:  cfg,
		now:  time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) CheckAndCreate(ctx context.Context, key, payloadHash string) (*domain.IdempotencyRecord, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("idempotency key required: %w", apperrors.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.recs[key]
	if !ok {
		rec := &domain.IdempotencyRecord{
			Key:         key,
			Status:      domain.IdempotencyStatusPending,
			PayloadHash: payloadHash,
			Attempts:    1,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.PendingTTL),
		}
		s.recs[key] = rec
		return copyRecord(rec), true, nil
	}

	switch {
	case existing.Status == domain.IdempotencyStatusPending && existing.Expired(now):
		if existing.Attempts >= s.cfg.MaxAttempts {
			existing.Status = domain.IdempotencyStatusFailed
			existing.ExpiresAt = now.Add(s.cfg.FailedTTL)
			existing.UpdatedAt = now
			return copyRecord(existing), false, nil
		}
		s.rearmLocked(existing, payloadHash, now, existing.Attempts+1)
		return copyRecord(existing), true, nil
	case existing.Status == domain.IdempotencyStatusFailed && existing.Expired(now):
		s.rearmLocked(existing, payloadHash, now, existing.Attempts+1)
		return copyRecord(existing), true, nil
	case existing.Status == domain.IdempotencyStatusCompleted && existing.Expired(now):
		s.rearmLocked(existing, payloadHash, now, 1)
		return copyRecord(existing), true, nil
	}
	return copyRecord(existing), false, nil
}

func (s *MemoryStore) rearmLocked(rec *domain.IdempotencyRecord, payloadHash string, now time.Time, attempts int) {
	rec.Status = domain.IdempotencyStatusPending
	rec.PayloadHash = payloadHash
	rec.Attempts = attempts
	rec.Result = nil
	rec.ExpiresAt = now.Add(s.cfg.PendingTTL)
	rec.UpdatedAt = now
}

func (s *MemoryStore) Complete(ctx context.Context, key string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[key]
	if !ok || rec.Status != domain.IdempotencyStatusPending {
		return fmt.Errorf("complete idempotency %q: %w", key, apperrors.ErrIdempotencyConflict)
	}
	now := s.now()
	rec.Status = domain.IdempotencyStatusCompleted
	rec.Result = datatypes.JSON(result)
	rec.ExpiresAt = now.Add(s.cfg.CompletedTTL)
	rec.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, key string, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[key]
	if !ok || rec.Status != domain.IdempotencyStatusPending {
		return fmt.Errorf("fail idempotency %q: %w", key, apperrors.ErrIdempotencyConflict)
	}
	now := s.now()
	errPayload, _ := json.Marshal(map[string]string{"error": cause})
	rec.Status = domain.IdempotencyStatusFailed
	rec.Result = datatypes.JSON(errPayload)
	rec.ExpiresAt = now.Add(s.cfg.FailedTTL)
	rec.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Cleanup(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var deleted int64
	limit := int64(batchSize) * cleanupMaxBatches
	for key, rec := range s.recs {
		if deleted >= limit {
			break
		}
		if rec.Expired(now) {
			delete(s.recs, key)
			deleted++
		}
	}
	return deleted, nil
}

func copyRecord(rec *domain.IdempotencyRecord) *domain.IdempotencyRecord {
	out := *rec
	return &out
}
