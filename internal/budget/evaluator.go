// Package budget implements spec §4.2 BudgetEvaluator: a read-through,
// cache-first evaluation of tenant, tag-hierarchy, and session budgets
// against the accumulated usage ledger.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmguard/llmguard/internal/apierror"
	"github.com/llmguard/llmguard/internal/cachetier"
	"github.com/llmguard/llmguard/internal/models"
)

type cachedBudget struct {
	Amount string    `json:"amount"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

type Config struct {
	DefaultBudgetUSD decimal.Decimal
	Periods          []models.BudgetPeriod
	CacheTTL         time.Duration
}

type Evaluator struct {
	db     *gorm.DB
	redis  *redis.Client
	logger *zap.Logger
	cfg    Config
}

func New(db *gorm.DB, rdb *redis.Client, logger *zap.Logger, cfg Config) *Evaluator {
	if len(cfg.Periods) == 0 {
		cfg.Periods = []models.BudgetPeriod{models.PeriodDaily, models.PeriodMonthly}
	}
	return &Evaluator{db: db, redis: rdb, logger: logger, cfg: cfg}
}

// EvaluateTenant checks every configured period's tenant budget against
// accumulated usage, returning a *apierror.Error on the first breach or
// on a DB failure during a required read.
func (e *Evaluator) EvaluateTenant(ctx context.Context, tenantID uuid.UUID, now time.Time) error {
	for _, period := range e.cfg.Periods {
		amount, start, end, err := e.readThroughBudget(ctx, tenantID, period, now)
		if err != nil {
			return apierror.Newf(apierror.ServiceUnavailable, "budget read failed: %v", err)
		}
		if now.Before(start) || now.After(end) {
			continue
		}
		periodKey := PeriodKey(period, start, end)
		usage, err := e.ledgerUsage(ctx, cachetier.LedgerKey(tenantID, periodKey))
		if err != nil {
			return apierror.Newf(apierror.ServiceUnavailable, "ledger read failed: %v", err)
		}
		if usage.GreaterThanOrEqual(amount) {
			return apierror.Newf(apierror.BudgetExceeded, "tenant budget exceeded for period %s", period)
		}
	}
	return nil
}

// EvaluateTags walks each resolved tag to the root, checking every
// (tag, period, tagBudget) triple along the way. A walk-time error is
// logged and swallowed per spec's fail-open rule — the tenant budget
// remains the backstop.
func (e *Evaluator) EvaluateTags(ctx context.Context, tenantID uuid.UUID, tags []models.Tag, now time.Time) error {
	for _, tag := range tags {
		if err := e.evaluateTagChain(ctx, tenantID, tag, now); err != nil {
			if apiErr, ok := err.(*apierror.Error); ok {
				return apiErr
			}
			e.logger.Warn("tag budget walk failed, failing open", zap.String("tag", tag.Name), zap.Error(err))
		}
	}
	return nil
}

// evaluateTagChain walks tag's ancestor chain, root to leaf. Whether an
// ancestor's breach blocks the leaf is governed by the LEAF's own
// inheritance setting for that period (STRICT = ignore ancestors,
// LENIENT = propagate), not each ancestor's own setting — LENIENT is
// the default for periods where the leaf carries no budget row at all.
func (e *Evaluator) evaluateTagChain(ctx context.Context, tenantID uuid.UUID, tag models.Tag, now time.Time) error {
	chain, err := e.ancestorChain(ctx, tag)
	if err != nil {
		return err
	}

	selfBudgets, err := e.activeTagBudgets(ctx, tag.ID)
	if err != nil {
		return err
	}
	inheritanceByPeriod := make(map[models.BudgetPeriod]models.InheritanceMode, len(selfBudgets))
	for _, b := range selfBudgets {
		inheritanceByPeriod[b.Period] = b.Inheritance
	}

	ancestorBreachedByPeriod := make(map[models.BudgetPeriod]bool)
	for i := len(chain) - 1; i >= 0; i-- {
		node := chain[i]
		budgets, err := e.activeTagBudgets(ctx, node.ID)
		if err != nil {
			return err
		}
		for _, tb := range budgets {
			start, end := tb.StartsAt, tb.EndsAt
			if tb.Period != models.PeriodCustom {
				start, end = Window(tb.Period, now)
			}
			if now.Before(start) || now.After(end) {
				continue
			}
			periodKey := PeriodKey(tb.Period, start, end)
			usage, err := e.ledgerUsage(ctx, cachetier.TagLedgerKey(tenantID, node.ID, periodKey))
			if err != nil {
				return err
			}
			if !usage.GreaterThanOrEqual(tb.AmountUSD) {
				continue
			}

			isSelf := node.ID == tag.ID
			if isSelf {
				return apierror.Newf(apierror.TagBudgetExceeded, "tag %q exceeded budget for period %s", tag.Name, tb.Period)
			}

			mode, ok := inheritanceByPeriod[tb.Period]
			if !ok {
				mode = models.InheritanceLenient
			}
			if mode == models.InheritanceLenient {
				ancestorBreachedByPeriod[tb.Period] = true
			}
		}
	}
	for period, breached := range ancestorBreachedByPeriod {
		if breached {
			return apierror.Newf(apierror.TagBudgetExceeded, "tag %q blocked by ancestor budget breach for period %s", tag.Name, period)
		}
	}
	return nil
}

func (e *Evaluator) ancestorChain(ctx context.Context, tag models.Tag) ([]models.Tag, error) {
	chain := []models.Tag{tag}
	current := tag
	for current.ParentID != nil {
		var parent models.Tag
		if err := e.db.WithContext(ctx).First(&parent, "id = ?", *current.ParentID).Error; err != nil {
			return nil, fmt.Errorf("load ancestor tag: %w", err)
		}
		chain = append(chain, parent)
		current = parent
	}
	return chain, nil
}

func (e *Evaluator) activeTagBudgets(ctx context.Context, tagID uuid.UUID) ([]models.TagBudget, error) {
	var budgets []models.TagBudget
	if err := e.db.WithContext(ctx).Where("tag_id = ? AND is_active = ?", tagID, true).Find(&budgets).Error; err != nil {
		return nil, fmt.Errorf("load tag budgets: %w", err)
	}
	return budgets, nil
}

// readThroughBudget resolves (amount, start, end) for (tenant, period)
// via the cache-tier, falling back to the DB and a configured default on
// miss.
func (e *Evaluator) readThroughBudget(ctx context.Context, tenantID uuid.UUID, period models.BudgetPeriod, now time.Time) (decimal.Decimal, time.Time, time.Time, error) {
	key := cachetier.BudgetKey(tenantID, string(period))

	if e.redis != nil {
		cctx, cancel := cachetier.WithShortDeadline(ctx)
		raw, err := e.redis.Get(cctx, key).Bytes()
		cancel()
		if err == nil {
			var cb cachedBudget
			if json.Unmarshal(raw, &cb) == nil {
				amount, derr := decimal.NewFromString(cb.Amount)
				if derr == nil {
					return amount, cb.Start, cb.End, nil
				}
			}
		} else if err != redis.Nil {
			e.logger.Warn("budget cache read failed, falling back to db", zap.Error(err))
		}
	}

	var b models.Budget
	dbErr := e.db.WithContext(ctx).
		Where("tenant_id = ? AND period = ? AND is_active = ?", tenantID, period, true).
		First(&b).Error

	var amount decimal.Decimal
	var start, end time.Time

	switch {
	case dbErr == nil:
		amount = b.AmountUSD
		if period == models.PeriodCustom {
			start, end = b.StartsAt, b.EndsAt
		} else {
			start, end = Window(period, now)
		}
	case dbErr == gorm.ErrRecordNotFound:
		amount = e.cfg.DefaultBudgetUSD
		start, end = Window(period, now)
	default:
		return decimal.Zero, time.Time{}, time.Time{}, fmt.Errorf("load budget: %w", dbErr)
	}

	if e.redis != nil {
		ttl := time.Until(end)
		if ttl <= 0 {
			ttl = e.cfg.CacheTTL
		}
		raw, merr := json.Marshal(cachedBudget{Amount: amount.String(), Start: start, End: end})
		if merr == nil {
			cctx, cancel := cachetier.WithShortDeadline(ctx)
			if err := e.redis.Set(cctx, key, raw, ttl).Err(); err != nil {
				e.logger.Warn("budget cache write failed", zap.Error(err))
			}
			cancel()
		}
	}

	return amount, start, end, nil
}

// PeriodStatus is one period's budget/usage snapshot, as returned by
// Explain.
type PeriodStatus struct {
	Period   models.BudgetPeriod `json:"period"`
	AmountUSD string             `json:"amount_usd"`
	UsageUSD  string             `json:"usage_usd"`
	Start     time.Time          `json:"start"`
	End       time.Time          `json:"end"`
}

// Explain runs the same read-through lookups as EvaluateTenant but
// returns the raw figures instead of an allow/deny decision. It is
// never called on the admission hot path.
func (e *Evaluator) Explain(ctx context.Context, tenantID uuid.UUID, now time.Time) ([]PeriodStatus, error) {
	out := make([]PeriodStatus, 0, len(e.cfg.Periods))
	for _, period := range e.cfg.Periods {
		amount, start, end, err := e.readThroughBudget(ctx, tenantID, period, now)
		if err != nil {
			return nil, fmt.Errorf("read budget for period %s: %w", period, err)
		}
		periodKey := PeriodKey(period, start, end)
		usage, err := e.ledgerUsage(ctx, cachetier.LedgerKey(tenantID, periodKey))
		if err != nil {
			return nil, fmt.Errorf("read usage for period %s: %w", period, err)
		}
		out = append(out, PeriodStatus{
			Period: period, AmountUSD: amount.String(), UsageUSD: usage.String(),
			Start: start, End: end,
		})
	}
	return out, nil
}

func (e *Evaluator) ledgerUsage(ctx context.Context, key string) (decimal.Decimal, error) {
	if e.redis == nil {
		return decimal.Zero, nil
	}
	cctx, cancel := cachetier.WithShortDeadline(ctx)
	defer cancel()
	val, err := e.redis.Get(cctx, key).Result()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		e.logger.Warn("ledger cache read failed, treating as zero", zap.Error(err))
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, nil
	}
	return amount, nil
}
