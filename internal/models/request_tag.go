package models

import "github.com/google/uuid"

// RequestTag is the many-to-many attribution between a UsageLedger row
// and a Tag at the weight that was effective for that request.
type RequestTag struct {
	BaseModel
	UsageLedgerID uuid.UUID `gorm:"type:uuid;index;not null" json:"usage_ledger_id"`
	TagID         uuid.UUID `gorm:"type:uuid;index;not null" json:"tag_id"`
	Weight        float64   `gorm:"default:1.0" json:"weight"`
	// IdempotencyKey is (usageLedgerId, tagId) joined, matching the
	// worker's per-(ledger,tag) dedup marker in the cache tier.
	IdempotencyKey string `gorm:"uniqueIndex;not null" json:"idempotency_key"`
}
