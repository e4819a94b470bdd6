package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type InheritanceMode string

const (
	InheritanceStrict  InheritanceMode = "STRICT"
	InheritanceLenient InheritanceMode = "LENIENT"
)

// TagBudget is a Budget scoped to a Tag, with a weight multiplier and an
// inheritance mode controlling how ancestor breaches propagate.
type TagBudget struct {
	BaseModel
	TagID           uuid.UUID       `gorm:"type:uuid;index;not null" json:"tag_id"`
	Period          BudgetPeriod    `gorm:"not null" json:"period"`
	AmountUSD       decimal.Decimal `gorm:"type:numeric(18,6);not null" json:"amount_usd"`
	StartsAt        time.Time       `json:"starts_at"`
	EndsAt          time.Time       `json:"ends_at"`
	Weight          float64         `gorm:"default:1.0" json:"weight"`
	Inheritance     InheritanceMode `gorm:"default:'LENIENT'" json:"inheritance"`
	AlertThresholds datatypes.JSON  `json:"alert_thresholds,omitempty"`
	IsActive        bool            `gorm:"default:true" json:"is_active"`
}

func (tb *TagBudget) Window(t time.Time) bool {
	return !t.Before(tb.StartsAt) && !t.After(tb.EndsAt)
}
