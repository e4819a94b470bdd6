package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodMonthly BudgetPeriod = "monthly"
	PeriodCustom  BudgetPeriod = "custom"
)

// Budget is a monetary ceiling for a (tenant, period) pair. For the
// recurring periods (daily, monthly) StartsAt/EndsAt are recomputed by
// the evaluator at read time; for custom they hold the exact, inclusive
// window the row was created with.
type Budget struct {
	BaseModel
	TenantID  uuid.UUID       `gorm:"type:uuid;index;not null" json:"tenant_id"`
	Period    BudgetPeriod    `gorm:"not null" json:"period"`
	AmountUSD decimal.Decimal `gorm:"type:numeric(18,6);not null" json:"amount_usd"`
	StartsAt  time.Time       `json:"starts_at"`
	EndsAt    time.Time       `json:"ends_at"`
	IsActive  bool            `gorm:"default:true" json:"is_active"`
}

// Window reports whether t falls within the budget's active window.
func (b *Budget) Window(t time.Time) bool {
	return !t.Before(b.StartsAt) && !t.After(b.EndsAt)
}
