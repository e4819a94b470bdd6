// Package admission implements spec §4.1 AdmissionPipeline: the eight
// ordered phases every request passes through between the edge and the
// provider call, flattened into one orchestrator method rather than a
// middleware chain so the ordering invariant (auth before tags, budget
// before dispatch, rate limit first) stays visible in one place.
package admission

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmguard/llmguard/internal/apierror"
	"github.com/llmguard/llmguard/internal/authcache"
	"github.com/llmguard/llmguard/internal/budget"
	"github.com/llmguard/llmguard/internal/ledger"
	"github.com/llmguard/llmguard/internal/metrics"
	"github.com/llmguard/llmguard/internal/models"
	"github.com/llmguard/llmguard/internal/policy"
	"github.com/llmguard/llmguard/internal/provider"
	"github.com/llmguard/llmguard/internal/ratelimit"
	"github.com/llmguard/llmguard/internal/session"
	"github.com/llmguard/llmguard/internal/tagresolver"
)

// Request is every external input phase 1-8 needs, already extracted
// from HTTP headers and body by the transport layer.
type Request struct {
	Route                string
	ClientIP             string // for the phase-1 rate-limit probe, before identity is known
	AuthHeader           string // Authorization: Bearer ... or the raw X-API-Key value
	BudgetTagsCSV        string
	SessionID            string
	SessionName          string
	SessionPath          string
	OpenAIKeyOverride    string // X-OpenAI-Key
	AnthropicKeyOverride string // X-Anthropic-Key
	GoogleKeyOverride    string // X-Google-API-Key
	Body                 json.RawMessage
}

// Outcome is what the transport layer renders back to the caller.
type Outcome struct {
	Status int
	Body   json.RawMessage
}

type Pipeline struct {
	db           *gorm.DB
	logger       *zap.Logger
	rateLimiter  *ratelimit.Limiter
	authCache    *authcache.AuthCache
	tagResolver  *tagresolver.Resolver
	sessions     *session.Tracker
	budgetEval   *budget.Evaluator
	policyEngine policy.Engine
	providers    *provider.Registry
	ledgerWriter *ledger.Writer
}

type Config struct {
	DB           *gorm.DB
	Logger       *zap.Logger
	RateLimiter  *ratelimit.Limiter
	AuthCache    *authcache.AuthCache
	TagResolver  *tagresolver.Resolver
	Sessions     *session.Tracker
	BudgetEval   *budget.Evaluator
	PolicyEngine policy.Engine
	Providers    *provider.Registry
	LedgerWriter *ledger.Writer
}

func New(cfg Config) *Pipeline {
	if cfg.PolicyEngine == nil {
		cfg.PolicyEngine = policy.NoopEngine{}
	}
	return &Pipeline{
		db:           cfg.DB,
		logger:       cfg.Logger,
		rateLimiter:  cfg.RateLimiter,
		authCache:    cfg.AuthCache,
		tagResolver:  cfg.TagResolver,
		sessions:     cfg.Sessions,
		budgetEval:   cfg.BudgetEval,
		policyEngine: cfg.PolicyEngine,
		providers:    cfg.Providers,
		ledgerWriter: cfg.LedgerWriter,
	}
}

// Admit runs the full eight-phase pipeline and returns the response to
// send back to the caller, recording the outcome's status against
// admission latency for the /metrics endpoint.
func (p *Pipeline) Admit(ctx context.Context, req Request) *Outcome {
	start := time.Now()
	out := p.admit(ctx, req)
	metrics.RecordAdmission(req.Route, strconv.Itoa(out.Status), start)
	return out
}

// admit is the eight-phase pipeline body. The on-send hook (phase 8,
// LedgerWriter) runs regardless of the upstream outcome once dispatch is
// reached; phases 1-6 each short-circuit with their own apierror.Kind on
// denial.
func (p *Pipeline) admit(ctx context.Context, req Request) *Outcome {
	// Phase 1: rate-limit probe, keyed by client IP since identity is not
	// yet known. No DB access; this must reject floods before a single
	// request reaches AuthCache's DB-backed lookup in phase 2.
	preAuthOK, err := p.rateLimiter.AllowPreAuth(ctx, req.ClientIP)
	if err != nil {
		return errOutcome(apierror.Newf(apierror.ServiceUnavailable, "rate limit check failed: %v", err))
	}
	if !preAuthOK {
		return errOutcome(apierror.New(apierror.RateLimited, "Rate limit exceeded"))
	}

	// Phase 2: authentication.
	tenantID, keyID, authErr := p.authenticate(ctx, req)
	if authErr != nil {
		return errOutcome(authErr)
	}
	_ = keyID

	// Tenant-specific quota, now that identity is known.
	ok, err := p.rateLimiter.Allow(ctx, tenantID)
	if err != nil {
		return errOutcome(apierror.Newf(apierror.ServiceUnavailable, "rate limit check failed: %v", err))
	}
	if !ok {
		return errOutcome(apierror.New(apierror.RateLimited, "Rate limit exceeded"))
	}

	var tenant models.Tenant
	if err := p.db.WithContext(ctx).First(&tenant, "id = ?", tenantID).Error; err != nil {
		return errOutcome(apierror.Newf(apierror.ServiceUnavailable, "load tenant: %v", err))
	}

	// Phase 3: tag extraction and resolution.
	names := splitTags(req.BudgetTagsCSV)
	resolvedTags, err := p.tagResolver.Resolve(ctx, tenantID, names)
	if err != nil {
		if verr, ok := err.(*tagresolver.ValidationError); ok {
			return errOutcome(apierror.New(apierror.TagValidationError, verr.Error()))
		}
		return errOutcome(apierror.Newf(apierror.ServiceUnavailable, "tag resolution failed: %v", err))
	}

	// Phase 4: session resolution, only if the caller supplied one.
	var sess *models.Session
	if req.SessionID != "" {
		tagSessionBudgets, err := p.tagSessionBudgets(ctx, resolvedTags)
		if err != nil {
			return errOutcome(apierror.Newf(apierror.ServiceUnavailable, "load tag session budgets: %v", err))
		}
		sess, err = p.sessions.Resolve(ctx, tenantID, req.SessionID, req.SessionName, req.SessionPath,
			tenant.DefaultSessionBudgetUSD, resolvedTags, tagSessionBudgets)
		if err != nil {
			return errOutcome(apierror.Newf(apierror.ServiceUnavailable, "session resolution failed: %v", err))
		}
		if sess.IsExceeded() {
			return errOutcome(apierror.New(apierror.SessionBudgetExceeded, "Session budget exceeded"))
		}
	}

	// Phase 5: budget evaluation — tenant periods, tag hierarchy, session.
	now := time.Now().UTC()
	if err := p.budgetEval.EvaluateTenant(ctx, tenantID, now); err != nil {
		return errOutcome(err)
	}
	tags := make([]models.Tag, 0, len(resolvedTags))
	if len(resolvedTags) > 0 {
		ids := make([]uuid.UUID, len(resolvedTags))
		for i, t := range resolvedTags {
			ids[i] = t.ID
		}
		if err := p.db.WithContext(ctx).Where("id IN ?", ids).Find(&tags).Error; err != nil {
			return errOutcome(apierror.Newf(apierror.ServiceUnavailable, "load tags: %v", err))
		}
	}
	if err := p.budgetEval.EvaluateTags(ctx, tenantID, tags, now); err != nil {
		return errOutcome(err)
	}
	if sess != nil && !sess.EffectiveBudgetUSD.IsZero() && sess.CurrentCostUSD.GreaterThanOrEqual(sess.EffectiveBudgetUSD) {
		_ = p.sessions.MarkExceeded(ctx, sess)
		return errOutcome(apierror.New(apierror.SessionBudgetExceeded, "Session budget exceeded"))
	}

	// Phase 6: policy hook.
	decision, err := p.policyEngine.Evaluate(ctx, policy.Input{
		TenantID:   tenantID.String(),
		TenantName: tenant.Name,
		Route:      req.Route,
		HourOfDay:  now.Hour(),
	})
	if err != nil {
		p.logger.Warn("policy evaluation failed, denying", zap.Error(err))
		return errOutcome(apierror.New(apierror.PolicyDenied, "policy evaluation unavailable"))
	}
	if !decision.Allow {
		msg := "Request denied by policy"
		if decision.Reason != "" {
			msg = decision.Reason
		}
		return errOutcome(apierror.New(apierror.PolicyDenied, msg))
	}

	// Phase 7: provider dispatch.
	f, err := provider.ParseFields(req.Body)
	if err != nil {
		return errOutcome(apierror.Newf(apierror.NoProviderForModel, "invalid request body: %v", err))
	}
	prov, err := p.providers.Resolve(ctx, f.Model)
	if err != nil {
		return errOutcome(err)
	}

	dispatchReq := provider.Request{Body: req.Body, OverrideKey: overrideKeyFor(prov.Name(), req)}
	var resp provider.Response
	if req.Route == "/v1/responses" {
		resp, err = prov.Responses(ctx, dispatchReq)
	} else {
		resp, err = prov.ChatCompletion(ctx, dispatchReq)
	}
	p.providers.RecordOutcome(prov.Name(), err)
	if err != nil {
		return errOutcome(apierror.Newf(apierror.ProviderError, "provider call failed: %v", err))
	}

	// Phase 8: on-send hook, runs regardless of status; accounting is
	// conditional on success.
	if resp.Status == 200 && !hasErrorField(resp.Data) {
		p.account(ctx, tenantID, tenant.Name, req.Route, f.Model, resolvedTags, sess, resp.Data)
	}

	return &Outcome{Status: resp.Status, Body: resp.Data}
}

func (p *Pipeline) authenticate(ctx context.Context, req Request) (uuid.UUID, uuid.UUID, error) {
	plaintext := extractAPIKey(req.AuthHeader)
	if plaintext == "" {
		return uuid.Nil, uuid.Nil, apierror.New(apierror.Unauthenticated, "missing credentials")
	}
	entry, err := p.authCache.Verify(ctx, plaintext)
	if err != nil {
		if err == authcache.ErrUnauthenticated {
			return uuid.Nil, uuid.Nil, apierror.New(apierror.Unauthenticated, "invalid credentials")
		}
		return uuid.Nil, uuid.Nil, apierror.Newf(apierror.ServiceUnavailable, "auth lookup failed: %v", err)
	}
	return entry.TenantID, entry.KeyID, nil
}

func (p *Pipeline) tagSessionBudgets(ctx context.Context, tags []models.ResolvedTag) (map[uuid.UUID]decimal.Decimal, error) {
	out := make(map[uuid.UUID]decimal.Decimal)
	if len(tags) == 0 {
		return out, nil
	}
	ids := make([]uuid.UUID, len(tags))
	for i, t := range tags {
		ids[i] = t.ID
	}
	var rows []models.Tag
	if err := p.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.SessionBudgetUSD == nil {
			continue
		}
		amt, err := decimal.NewFromString(*row.SessionBudgetUSD)
		if err != nil {
			continue
		}
		out[row.ID] = amt
	}
	return out, nil
}

func errOutcome(err error) *Outcome {
	apiErr, ok := err.(*apierror.Error)
	if !ok {
		apiErr = apierror.Newf(apierror.ServiceUnavailable, "%v", err)
	}
	body, _ := json.Marshal(map[string]string{"error": apiErr.Message})
	return &Outcome{Status: apiErr.Status(), Body: body}
}

func splitTags(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// overrideKeyFor picks the caller-supplied per-provider key override
// matching whichever provider the model resolved to.
func overrideKeyFor(providerName string, req Request) string {
	switch providerName {
	case "openai":
		return req.OpenAIKeyOverride
	case "anthropic":
		return req.AnthropicKeyOverride
	case "google":
		return req.GoogleKeyOverride
	default:
		return ""
	}
}

func extractAPIKey(header string) string {
	header = strings.TrimSpace(header)
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return header
}

func hasErrorField(data json.RawMessage) bool {
	var probe struct {
		Error interface{} `json:"error"`
	}
	if json.Unmarshal(data, &probe) != nil {
		return false
	}
	return probe.Error != nil
}
