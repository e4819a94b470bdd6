package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UsageLedger is the append-only relational record of a billable event,
// written exclusively by the ledger worker from the durable stream —
// never directly by the admission path.
type UsageLedger struct {
	BaseModel
	Timestamp       time.Time       `gorm:"index;not null" json:"timestamp"`
	TenantID        uuid.UUID       `gorm:"type:uuid;index;not null" json:"tenant_id"`
	TenantName      string          `json:"tenant_name"`
	Route           string          `json:"route"`
	Model           string          `gorm:"index" json:"model"`
	CostUSD         decimal.Decimal `gorm:"type:numeric(18,6);not null" json:"cost_usd"`
	PromptTokens    int             `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	SessionID       *uuid.UUID      `gorm:"type:uuid;index" json:"session_id,omitempty"`
	// IdempotencyKey is the stable key the stream event carried;
	// unique so a replayed event cannot produce a second row.
	IdempotencyKey string `gorm:"uniqueIndex;not null" json:"idempotency_key"`
}
