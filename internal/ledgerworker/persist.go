package ledgerworker

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"

	"github.com/llmguard/llmguard/internal/models"
)

// persist inserts the UsageLedger row and its RequestTag attributions.
// Idempotency keys make every insert a no-op on replay: the natural key
// is (usageLedgerId, tagId), or usageLedgerId alone for the ledger row
// itself.
func (w *Worker) persist(ctx context.Context, ev *usageEvent) error {
	cost, err := decimal.NewFromString(ev.CostUSD)
	if err != nil {
		return fmt.Errorf("parse cost: %w", err)
	}

	row := models.UsageLedger{
		Timestamp:        ev.Timestamp,
		TenantID:         ev.TenantID,
		TenantName:       ev.TenantName,
		Route:            ev.Route,
		Model:            ev.Model,
		CostUSD:          cost,
		PromptTokens:     ev.PromptTokens,
		CompletionTokens: ev.CompTokens,
		SessionID:        ev.SessionID,
		IdempotencyKey:   ev.UsageLedgerID.String(),
	}
	row.ID = ev.UsageLedgerID

	if err := w.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(&row).Error; err != nil {
		return fmt.Errorf("insert usage ledger row: %w", err)
	}

	for _, tag := range ev.Tags {
		idempotencyKey := fmt.Sprintf("%s:%s", ev.UsageLedgerID, tag.ID)
		rt := models.RequestTag{
			UsageLedgerID:  ev.UsageLedgerID,
			TagID:          tag.ID,
			Weight:         tag.Weight,
			IdempotencyKey: idempotencyKey,
		}
		if err := w.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
			Create(&rt).Error; err != nil {
			return fmt.Errorf("insert request tag row for %s: %w", tag.ID, err)
		}
	}

	return nil
}
