package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SessionStatus string

const (
	SessionActive         SessionStatus = "active"
	SessionBudgetExceeded SessionStatus = "budget_exceeded"
	SessionCompleted      SessionStatus = "completed"
	SessionError          SessionStatus = "error"
)

// Session is a client-declared conversation bucket identified by an
// opaque sessionId. CurrentCostUSD is the DB-of-record value; the cache
// tier's session_cost:<id> counter is authoritative for admission.
type Session struct {
	BaseModel
	TenantID           uuid.UUID       `gorm:"type:uuid;index;not null" json:"tenant_id"`
	SessionKey         string          `gorm:"uniqueIndex:idx_tenant_session;not null" json:"session_key"`
	Name               string          `json:"name,omitempty"`
	Path               string          `json:"path,omitempty"`
	EffectiveBudgetUSD decimal.Decimal `gorm:"type:numeric(18,6)" json:"effective_budget_usd"`
	CurrentCostUSD     decimal.Decimal `gorm:"type:numeric(18,6);default:0" json:"current_cost_usd"`
	Status             SessionStatus   `gorm:"default:'active'" json:"status"`
	LastActiveAt       time.Time       `json:"last_active_at"`
	TagIDs             []uuid.UUID     `gorm:"-" json:"tag_ids,omitempty"`
}

// IsExceeded reports whether the session has been marked as having
// overshot its effective budget.
func (s *Session) IsExceeded() bool {
	return s.Status == SessionBudgetExceeded
}
