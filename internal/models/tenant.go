package models

import "github.com/shopspring/decimal"

// Tenant is the top-level billing and isolation boundary. Every ApiKey,
// Tag, Session, and UsageLedger row belongs to exactly one tenant; no
// query anywhere in the admission path crosses a tenant boundary.
type Tenant struct {
	BaseModel
	Name            string           `gorm:"not null" json:"name"`
	Slug            string           `gorm:"uniqueIndex;not null" json:"slug"`
	IsActive        bool             `gorm:"default:true" json:"is_active"`
	DefaultTagMode  string           `gorm:"default:'lenient'" json:"default_tag_mode"` // strict | lenient
	RateLimitPerMin int              `gorm:"default:100" json:"rate_limit_per_min"`
	// DefaultSessionBudgetUSD backstops EffectiveBudget when a session's
	// attached tags carry no session budget of their own. Zero means
	// no tenant-level default is configured.
	DefaultSessionBudgetUSD decimal.Decimal `gorm:"type:numeric(18,6);default:0" json:"default_session_budget_usd"`
}
