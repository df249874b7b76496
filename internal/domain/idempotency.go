package domain

import (
	"time"

	"gorm.io/datatypes"
)

const (
	IdempotencyStatusPending   = "pending"
	IdempotencyStatusCompleted = "completed"
	IdempotencyStatusFailed    = "failed"
)

/*
IdempotencyRecord deduplicates a logical operation by a caller-supplied key
(typically a webhook delivery id). Exactly one row exists per key; the
pending→completed and pending→failed edges are guarded updates and happen at
most once. Completed rows keep a longer TTL than failed rows so repeat
callers get the cached answer while legitimate retries of failures are not
blocked for long.
*/
type IdempotencyRecord struct {
	Key         string         `gorm:"column:key;primaryKey;size:512" json:"key"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	PayloadHash string         `gorm:"column:payload_hash;not null" json:"payload_hash"`
	Result      datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	Attempts    int            `gorm:"column:attempts;not null;default:1" json:"attempts"`
	CreatedAt   time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	ExpiresAt   time.Time      `gorm:"column:expires_at;not null;index" json:"expires_at"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_record" }

func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
