package models

import "github.com/google/uuid"

// Tag is a hierarchical cost-attribution label scoped to a tenant. Path
// and Level are materialized columns; nothing in this module writes
// them. The hierarchy walk in BudgetEvaluator follows ParentID, one query
// per ancestor.
type Tag struct {
	BaseModel
	TenantID uuid.UUID  `gorm:"type:uuid;index;not null" json:"tenant_id"`
	Name     string     `gorm:"not null" json:"name"`
	ParentID *uuid.UUID `gorm:"type:uuid;index" json:"parent_id,omitempty"`
	Path     string     `gorm:"index;not null" json:"path"`
	Level    int        `gorm:"not null" json:"level"`
	IsActive bool        `gorm:"default:true" json:"is_active"`
	// SessionBudgetUSD, if set, participates in effective-session-budget
	// resolution (lowest among a session's attached tags wins).
	SessionBudgetUSD *string `json:"session_budget_usd,omitempty"`
}

// ResolvedTag is the TagResolver's output shape: a validated tag
// identity plus the weight it contributes for this request.
type ResolvedTag struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Weight float64   `json:"weight"`
}
