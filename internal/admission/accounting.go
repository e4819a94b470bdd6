package admission

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/llmguard/llmguard/internal/ledger"
	"github.com/llmguard/llmguard/internal/models"
)

// providerUsage is the handful of response shapes a provider might
// report token usage under; extraction is best-effort, LedgerWriter
// falls back to the tokeniser when none of these are present.
type providerUsage struct {
	Usage struct {
		PromptTokens     *int `json:"prompt_tokens"`
		CompletionTokens *int `json:"completion_tokens"`
	} `json:"usage"`
	UsageMetadata struct {
		PromptTokenCount     *int `json:"promptTokenCount"`
		CandidatesTokenCount *int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// account runs the LedgerWriter (spec §4.4 steps 2-6) after a
// successful dispatch, then increments the session cost counter if the
// request carried a session. Failures here are logged, never surfaced
// to the caller — per spec §7 a post-success ledger failure doesn't
// alter the response.
func (p *Pipeline) account(ctx context.Context, tenantID uuid.UUID, tenantName, route, model string, tags []models.ResolvedTag, sess *models.Session, respBody json.RawMessage) {
	var usage providerUsage
	_ = json.Unmarshal(respBody, &usage)

	reported := ledger.Usage{}
	if usage.Usage.PromptTokens != nil {
		reported.PromptTokens = usage.Usage.PromptTokens
		reported.CompletionTokens = usage.Usage.CompletionTokens
	} else if usage.UsageMetadata.PromptTokenCount != nil {
		reported.PromptTokens = usage.UsageMetadata.PromptTokenCount
		reported.CompletionTokens = usage.UsageMetadata.CandidatesTokenCount
	}

	var sessionID *uuid.UUID
	sessionKey := ""
	if sess != nil {
		sessionID = &sess.ID
		sessionKey = sess.SessionKey
	}

	result, err := p.ledgerWriter.Record(ctx, ledger.Input{
		TenantID:   tenantID,
		TenantName: tenantName,
		Route:      route,
		Model:      model,
		Reported:   reported,
		SessionID:  sessionID,
		SessionKey: sessionKey,
		Tags:       tags,
	})
	if err != nil {
		p.logger.Warn("ledger write failed, usage event lost", zap.String("tenant", tenantID.String()), zap.Error(err))
		return
	}

	if sess != nil {
		if err := p.sessions.IncrementCost(ctx, sess, result.CostUSD); err != nil {
			p.logger.Warn("session cost increment failed", zap.String("session", sess.SessionKey), zap.Error(err))
		}
	}
}
