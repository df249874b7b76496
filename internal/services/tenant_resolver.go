package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/taskmesh-backend/internal/domain"
	apperrors "github.com/yungbote/taskmesh-backend/internal/pkg/errors"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
)

/*
TenantResolver maps an external installation id to its tenant. Lookups go
through a bounded TTL cache; a miss (including cold start after a restart)
falls back to the tenant_binding table. Entries expire on their own — there
is no invalidation protocol — so binding changes converge within one TTL.
*/
type TenantResolver struct {
	db         *gorm.DB
	log        *logger.Logger
	ttl        time.Duration
	maxEntries int

	mu    sync.Mutex
	cache map[string]tenantCacheEntry
}

type tenantCacheEntry struct {
	tenantID  uuid.UUID
	expiresAt time.Time
}

func NewTenantResolver(db *gorm.DB, baseLog *logger.Logger, ttl time.Duration, maxEntries int) *TenantResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	return &TenantResolver{
		db:         db,
		log:        baseLog.With("service", "TenantResolver"),
		ttl:        ttl,
		maxEntries: maxEntries,
		cache:      map[string]tenantCacheEntry{},
	}
}

func (r *TenantResolver) Resolve(ctx context.Context, installationID string) (uuid.UUID, error) {
	if installationID == "" {
		return uuid.Nil, fmt.Errorf("installation id required: %w", apperrors.ErrInvalidArgument)
	}

	now := time.Now()
	r.mu.Lock()
	if entry, ok := r.cache[installationID]; ok && now.Before(entry.expiresAt) {
		r.mu.Unlock()
		return entry.tenantID, nil
	}
	r.mu.Unlock()

	var binding domain.TenantBinding
	err := r.db.WithContext(ctx).First(&binding, "installation_id = ?", installationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, fmt.Errorf("tenant binding %q: %w", installationID, apperrors.ErrNotFound)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve tenant %q: %w", installationID, err)
	}

	r.mu.Lock()
	if len(r.cache) >= r.maxEntries {
		// Cheap bound: drop everything instead of tracking recency. The next
		// lookups repopulate from the table.
		r.cache = map[string]tenantCacheEntry{}
	}
	r.cache[installationID] = tenantCacheEntry{
		tenantID:  binding.TenantID,
		expiresAt: now.Add(r.ttl),
	}
	r.mu.Unlock()

	return binding.TenantID, nil
}

// Bind upserts an installation→tenant mapping and drops any cached entry.
func (r *TenantResolver) Bind(ctx context.Context, installationID string, tenantID uuid.UUID) error {
	if installationID == "" || tenantID == uuid.Nil {
		return fmt.Errorf("bind tenant: %w", apperrors.ErrInvalidArgument)
	}
	now := time.Now()
	binding := domain.TenantBinding{
		InstallationID: installationID,
		TenantID:       tenantID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := r.db.WithContext(ctx).
		Where("installation_id = ?", installationID).
		Assign(map[string]interface{}{"tenant_id": tenantID, "updated_at": now}).
		FirstOrCreate(&binding).Error
	if err != nil {
		return fmt.Errorf("bind tenant %q: %w", installationID, err)
	}

	r.mu.Lock()
	delete(r.cache, installationID)
	r.mu.Unlock()
	return nil
}
