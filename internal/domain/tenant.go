package domain

import (
	"time"

	"github.com/google/uuid"
)

// TenantBinding maps an external installation id to the owning tenant.
// Read through services.TenantResolver, which caches rows with a bounded TTL
// and falls back to this table on a cold start.
type TenantBinding struct {
	InstallationID string    `gorm:"column:installation_id;primaryKey;size:256" json:"installation_id"`
	TenantID       uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	CreatedAt      time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (TenantBinding) TableName() string { return "tenant_binding" }
