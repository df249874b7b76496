package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/taskmesh-backend/internal/domain"
	apperrors "github.com/yungbote/taskmesh-backend/internal/pkg/errors"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
)

// GormStore persists idempotency records in Postgres. Insert-if-absent is
// ON CONFLICT DO NOTHING; every state edge is a guarded UPDATE whose WHERE
// clause carries the expected prior state, so races resolve in the database.
type GormStore struct {
	db  *gorm.DB
	log *logger.Logger
	cfg Config
}

func NewGormStore(db *gorm.DB, baseLog *logger.Logger, cfg Config) *GormStore {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &GormStore{
		db:  db,
		log: baseLog.With("component", "IdempotencyStore"),
		cfg: cfg,
	}
}

func (s *GormStore) CheckAndCreate(ctx context.Context, key, payloadHash string) (*domain.IdempotencyRecord, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("idempotency key required: %w", apperrors.ErrInvalidArgument)
	}
	now := time.Now()
	rec := &domain.IdempotencyRecord{
		Key:         key,
		Status:      domain.IdempotencyStatusPending,
		PayloadHash: payloadHash,
		Attempts:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.PendingTTL),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "key"}}, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return nil, false, fmt.Errorf("insert idempotency %q: %w", key, res.Error)
	}
	if res.RowsAffected == 1 {
		return rec, true, nil
	}

	existing, err := s.get(ctx, key)
	if err != nil {
		return nil, false, err
	}

	switch {
	case existing.Status == domain.IdempotencyStatusPending && existing.Expired(now):
		return s.reclaimStalePending(ctx, existing, payloadHash, now)
	case existing.Status == domain.IdempotencyStatusFailed && existing.Expired(now):
		return s.rearm(ctx, existing, payloadHash, now, existing.Attempts+1)
	case existing.Status == domain.IdempotencyStatusCompleted && existing.Expired(now):
		// Dedup horizon ended; the operation may legitimately run again.
		return s.rearm(ctx, existing, payloadHash, now, 1)
	}
	return existing, false, nil
}

// reclaimStalePending takes over an abandoned pending record, or parks it as
// permanently failed once attempts are exhausted.
func (s *GormStore) reclaimStalePending(ctx context.Context, existing *domain.IdempotencyRecord, payloadHash string, now time.Time) (*domain.IdempotencyRecord, bool, error) {
	if existing.Attempts >= s.cfg.MaxAttempts {
		res := s.db.WithContext(ctx).
			Model(&domain.IdempotencyRecord{}).
			Where("key = ? AND status = ?", existing.Key, domain.IdempotencyStatusPending).
			Updates(map[string]interface{}{
				"status":     domain.IdempotencyStatusFailed,
				"expires_at": now.Add(s.cfg.FailedTTL),
				"updated_at": now,
			})
		if res.Error != nil {
			return nil, false, fmt.Errorf("exhaust idempotency %q: %w", existing.Key, res.Error)
		}
		s.log.Warn("Idempotency attempts exhausted", "key", existing.Key, "attempts", existing.Attempts)
		rec, err := s.get(ctx, existing.Key)
		return rec, false, err
	}
	return s.rearm(ctx, existing, payloadHash, now, existing.Attempts+1)
}

// rearm swaps the record back to a fresh pending state, guarded on the
// version of the row the caller observed so only one concurrent caller wins.
func (s *GormStore) rearm(ctx context.Context, existing *domain.IdempotencyRecord, payloadHash string, now time.Time, attempts int) (*domain.IdempotencyRecord, bool, error) {
	res := s.db.WithContext(ctx).
		Model(&domain.IdempotencyRecord{}).
		Where("key = ? AND status = ? AND updated_at = ?", existing.Key, existing.Status, existing.UpdatedAt).
		Updates(map[string]interface{}{
			"status":       domain.IdempotencyStatusPending,
			"payload_hash": payloadHash,
			"attempts":     attempts,
			"result":       nil,
			"expires_at":   now.Add(s.cfg.PendingTTL),
			"updated_at":   now,
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("rearm idempotency %q: %w", existing.Key, res.Error)
	}
	rec, err := s.get(ctx, existing.Key)
	if err != nil {
		return nil, false, err
	}
	// RowsAffected 0 means another caller re-armed first; they own the retry.
	return rec, res.RowsAffected == 1, nil
}

func (s *GormStore) Complete(ctx context.Context, key string, result []byte) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&domain.IdempotencyRecord{}).
		Where("key = ? AND status = ?", key, domain.IdempotencyStatusPending).
		Updates(map[string]interface{}{
			"status":     domain.IdempotencyStatusCompleted,
			"result":     datatypes.JSON(result),
			"expires_at": now.Add(s.cfg.CompletedTTL),
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("complete idempotency %q: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("complete idempotency %q: %w", key, apperrors.ErrIdempotencyConflict)
	}
	return nil
}

func (s *GormStore) Fail(ctx context.Context, key string, cause string) error {
	now := time.Now()
	errPayload, _ := json.Marshal(map[string]string{"error": cause})
	res := s.db.WithContext(ctx).
		Model(&domain.IdempotencyRecord{}).
		Where("key = ? AND status = ?", key, domain.IdempotencyStatusPending).
		Updates(map[string]interface{}{
			"status":     domain.IdempotencyStatusFailed,
			"result":     datatypes.JSON(errPayload),
			"expires_at": now.Add(s.cfg.FailedTTL),
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("fail idempotency %q: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("fail idempotency %q: %w", key, apperrors.ErrIdempotencyConflict)
	}
	return nil
}

func (s *GormStore) Cleanup(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	var deleted int64
	for i := 0; i < cleanupMaxBatches; i++ {
		res := s.db.WithContext(ctx).Exec(
			`DELETE FROM idempotency_record WHERE key IN (SELECT key FROM idempotency_record WHERE expires_at < ? LIMIT ?)`,
			time.Now(), batchSize,
		)
		if res.Error != nil {
			return deleted, fmt.Errorf("idempotency cleanup: %w", res.Error)
		}
		deleted += res.RowsAffected
		if res.RowsAffected < int64(batchSize) {
			break
		}
	}
	return deleted, nil
}

func (s *GormStore) get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := s.db.WithContext(ctx).First(&rec, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("idempotency %q: %w", key, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency %q: %w", key, err)
	}
	return &rec, nil
}
