// Package ledger implements spec §4.4 LedgerWriter: the post-response
// hook that prices a completed call, emits exactly one idempotent event
// to the durable stream, and atomically increments every affected
// cache-tier ledger counter.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmguard/llmguard/internal/budget"
	"github.com/llmguard/llmguard/internal/cachetier"
	"github.com/llmguard/llmguard/internal/models"
	"github.com/llmguard/llmguard/internal/tokencount"
)

// Usage carries whatever token counts the provider reported; nil fields
// are synthesized from PromptText/CompletionText via the tokeniser.
type Usage struct {
	PromptTokens     *int
	CompletionTokens *int
}

type Input struct {
	TenantID         uuid.UUID
	TenantName       string
	Route            string
	Model            string
	PromptText       string
	CompletionText   string
	Reported         Usage
	SessionID        *uuid.UUID
	SessionKey       string
	Tags             []models.ResolvedTag
}

// Result is what the admission pipeline needs after a successful write:
// the computed cost (for the session increment it performs separately)
// and the usage-ledger id the worker will eventually materialize.
type Result struct {
	UsageLedgerID  uuid.UUID
	CostUSD        decimal.Decimal
	PromptTokens   int
	CompletionTokens int
}

type Writer struct {
	db        *gorm.DB
	redis     *redis.Client
	logger    *zap.Logger
	tokeniser tokencount.Tokeniser
	periods   []models.BudgetPeriod
}

func New(db *gorm.DB, rdb *redis.Client, logger *zap.Logger, tokeniser tokencount.Tokeniser, periods []models.BudgetPeriod) *Writer {
	if len(periods) == 0 {
		periods = []models.BudgetPeriod{models.PeriodDaily, models.PeriodMonthly}
	}
	return &Writer{db: db, redis: rdb, logger: logger, tokeniser: tokeniser, periods: periods}
}

// Record prices the call, emits the durable event, and increments the
// tenant and tag counters. Session counter increments are the caller's
// responsibility (session.Tracker.IncrementCost) so that this package has
// no dependency on session semantics.
func (w *Writer) Record(ctx context.Context, in Input) (*Result, error) {
	pricing, resolvedModel, err := w.resolvePricing(ctx, in.Model, in.Reported)
	if err != nil {
		return nil, fmt.Errorf("resolve pricing: %w", err)
	}

	promptTok, compTok := w.tokenCounts(in)

	cost := decimal.NewFromInt(int64(promptTok)).Mul(pricing.InputPricePerM).
		Add(decimal.NewFromInt(int64(compTok)).Mul(pricing.OutputPricePerM)).
		Div(decimal.NewFromInt(1_000_000))

	usageLedgerID := uuid.New()

	if err := w.emitEvent(ctx, usageLedgerID, in, resolvedModel, cost, promptTok, compTok); err != nil {
		return nil, fmt.Errorf("emit usage event: %w", err)
	}

	now := time.Now().UTC()
	for _, period := range w.periods {
		start, end := budget.Window(period, now)
		periodKey := budget.PeriodKey(period, start, end)
		w.incrementFloat(ctx, cachetier.LedgerKey(in.TenantID, periodKey), cost)
		for _, tag := range in.Tags {
			weighted := cost.Mul(decimal.NewFromFloat(tag.Weight))
			w.incrementFloat(ctx, cachetier.TagLedgerKey(in.TenantID, tag.ID, periodKey), weighted)
		}
	}

	return &Result{
		UsageLedgerID:    usageLedgerID,
		CostUSD:          cost,
		PromptTokens:     promptTok,
		CompletionTokens: compTok,
	}, nil
}

// resolvePricing finds the ModelPricing row for the requested model,
// applying the tiered-variant suffix rule: if the reported prompt plus
// completion tokens exceed longContextThreshold, the "-high" alias among
// pricing.Aliases becomes the recorded model and is priced from its own
// ModelPricing row when one exists (otherwise from the base row). A
// "-low" alias is never selected by token count.
func (w *Writer) resolvePricing(ctx context.Context, model string, reported Usage) (*models.ModelPricing, string, error) {
	var direct models.ModelPricing
	err := w.db.WithContext(ctx).Where("model_id = ?", model).First(&direct).Error
	if err == nil {
		resolved := model
		if reported.CompletionTokens != nil || reported.PromptTokens != nil {
			total := 0
			if reported.PromptTokens != nil {
				total += *reported.PromptTokens
			}
			if reported.CompletionTokens != nil {
				total += *reported.CompletionTokens
			}
			if alias := tieredAlias(direct.Aliases, total); alias != "" {
				resolved = alias
				var tiered models.ModelPricing
				if terr := w.db.WithContext(ctx).Where("model_id = ?", alias).First(&tiered).Error; terr == nil {
					return &tiered, resolved, nil
				}
			}
		}
		return &direct, resolved, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, "", fmt.Errorf("lookup model pricing: %w", err)
	}

	// The request may already carry a tiered suffix (e.g.
	// "gemini-2.5-pro-high"); look it up via alias membership.
	var byAlias models.ModelPricing
	if err := w.db.WithContext(ctx).Where("? = ANY(aliases)", model).First(&byAlias).Error; err != nil {
		return nil, "", fmt.Errorf("no pricing for model %q: %w", model, err)
	}
	return &byAlias, model, nil
}

const longContextThreshold = 200_000

func tieredAlias(aliases []string, totalTokens int) string {
	if totalTokens <= longContextThreshold {
		return ""
	}
	for _, a := range aliases {
		if strings.HasSuffix(a, "-high") {
			return a
		}
	}
	return ""
}

func (w *Writer) tokenCounts(in Input) (int, int) {
	promptTok := 0
	if in.Reported.PromptTokens != nil {
		promptTok = *in.Reported.PromptTokens
	} else if w.tokeniser != nil {
		promptTok = w.tokeniser.Count(in.Model, in.PromptText)
	}

	compTok := 0
	if in.Reported.CompletionTokens != nil {
		compTok = *in.Reported.CompletionTokens
	} else if w.tokeniser != nil {
		compTok = w.tokeniser.Count(in.Model, in.CompletionText)
	}

	return promptTok, compTok
}

func (w *Writer) emitEvent(ctx context.Context, usageLedgerID uuid.UUID, in Input, model string, cost decimal.Decimal, promptTok, compTok int) error {
	if w.redis == nil {
		return nil
	}

	tagsJSON, err := json.Marshal(in.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	fields := map[string]interface{}{
		"usageLedgerId": usageLedgerID.String(),
		"ts":            time.Now().UTC().Format(time.RFC3339Nano),
		"tenant":        in.TenantID.String(),
		"tenantName":    in.TenantName,
		"route":         in.Route,
		"model":         model,
		"usd":           cost.StringFixed(6),
		"promptTok":     strconv.Itoa(promptTok),
		"compTok":       strconv.Itoa(compTok),
		"tags":          string(tagsJSON),
	}
	if in.SessionID != nil {
		fields["sessionId"] = in.SessionID.String()
		fields["sessionKey"] = in.SessionKey
	}

	return w.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: cachetier.EventStreamName,
		MaxLen: 100_000,
		Approx: true,
		Values: fields,
	}).Err()
}

func (w *Writer) incrementFloat(ctx context.Context, key string, amount decimal.Decimal) {
	if w.redis == nil {
		return
	}
	f, _ := amount.Float64()
	cctx, cancel := cachetier.WithShortDeadline(ctx)
	defer cancel()
	if err := w.redis.IncrByFloat(cctx, key, f).Err(); err != nil {
		w.logger.Warn("ledger counter increment failed", zap.String("key", key), zap.Error(err))
	}
}
