// Package policy implements the admission pipeline's phase-6 rule-engine
// hook (spec §4.1/§4.6): given the request context, consult an external
// policy and return a boolean allow. Rule content and evaluation
// semantics are explicitly out of scope — this package only knows how
// to call the engine and interpret its boolean verdict.
package policy

import (
	"context"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// Input is what the hook receives: tenant identity, the route being
// called, and the hour of day. Budgets holds per-period budget and usage
// figures; the admission pipeline does not populate it, so rules see it
// empty.
type Input struct {
	TenantID  string                 `json:"tenant_id"`
	TenantName string                `json:"tenant_name"`
	Route     string                 `json:"route"`
	HourOfDay int                    `json:"hour_of_day"`
	Budgets   map[string]BudgetUsage `json:"budgets"`
}

type BudgetUsage struct {
	AmountUSD string `json:"amount_usd"`
	UsageUSD  string `json:"usage_usd"`
}

type Decision struct {
	Allow  bool
	Reason string
}

// Engine is the capability interface admission consumes; NoopEngine
// always allows, used when policy.enabled is false.
type Engine interface {
	Evaluate(ctx context.Context, in Input) (Decision, error)
}

type NoopEngine struct{}

func (NoopEngine) Evaluate(context.Context, Input) (Decision, error) {
	return Decision{Allow: true}, nil
}

// OPAEngine evaluates a compiled rego query against a bundle on disk,
// matching spec §6's "Policy hook to rule engine" contract.
type OPAEngine struct {
	query  rego.PreparedEvalQuery
	logger *zap.Logger
}

// NewOPAEngine prepares the query once at startup; each Evaluate call
// only pays for partial-eval input binding, not bundle compilation.
func NewOPAEngine(ctx context.Context, bundlePath, query string, logger *zap.Logger) (*OPAEngine, error) {
	prepared, err := rego.New(
		rego.Query(query),
		rego.Load([]string{bundlePath}, nil),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	return &OPAEngine{query: prepared, logger: logger}, nil
}

func (e *OPAEngine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return Decision{}, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: false, Reason: "policy produced no result"}, nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case bool:
		return Decision{Allow: v}, nil
	case map[string]interface{}:
		allow, _ := v["allow"].(bool)
		reason, _ := v["reason"].(string)
		return Decision{Allow: allow, Reason: reason}, nil
	default:
		e.logger.Warn("unexpected policy result shape, denying")
		return Decision{Allow: false, Reason: "unexpected policy result shape"}, nil
	}
}
