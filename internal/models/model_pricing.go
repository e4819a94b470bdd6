package models

import (
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// ModelPricing is the per-model rate card consulted by LedgerWriter for
// cost computation. Prices are USD per one million tokens.
type ModelPricing struct {
	BaseModel
	ModelID         string          `gorm:"uniqueIndex;not null" json:"model_id"`
	Version         string          `json:"version,omitempty"`
	Provider        string          `gorm:"not null" json:"provider"`
	InputPricePerM  decimal.Decimal `gorm:"type:numeric(18,6);not null" json:"input_price_per_m"`
	CachedInputPerM decimal.Decimal `gorm:"type:numeric(18,6)" json:"cached_input_price_per_m"`
	OutputPricePerM decimal.Decimal `gorm:"type:numeric(18,6);not null" json:"output_price_per_m"`
	// Aliases lists alternate model ids (e.g. tiered "-low"/"-high"
	// variants) that resolve to this pricing row when they have no
	// ModelPricing row of their own.
	Aliases pq.StringArray `gorm:"type:text[]" json:"aliases,omitempty"`
}
