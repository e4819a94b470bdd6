// Package provider implements the capability interface spec §6 exposes
// to the admission pipeline: chatCompletion/responses/healthCheck
// against whichever upstream a model is configured to use. Faithful
// translation of every provider's wire dialect is out of scope — each
// adapter forwards the caller's JSON body mostly unchanged, parsing
// only the fields spec §9 names (model, messages/prompt/input,
// max_tokens, temperature, stop) and leaving the rest untouched.
package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Request is the caller's body, already validated as JSON but otherwise
// opaque. Fields are extracted on demand by each adapter. OverrideKey, if
// set, is a caller-supplied per-provider API key (from the
// X-OpenAI-Key/X-Anthropic-Key/X-Google-API-Key request headers) that the
// adapter uses instead of its own server-configured key for this one call.
type Request struct {
	Body        json.RawMessage
	OverrideKey string
}

// Response mirrors what the admission pipeline needs to decide whether
// to account for the call: the upstream's status code and its raw body.
type Response struct {
	Status int
	Data   json.RawMessage
}

type HealthStatus struct {
	Healthy      bool
	ResponseTime time.Duration
	Error        string
	LastChecked  time.Time
}

// Provider is the capability interface spec §6 names. chatCompletion and
// responses are intentionally identical in shape — Responses exists
// because the legacy /v1/responses contract has a different body shape
// the caller already normalized before reaching here.
type Provider interface {
	ChatCompletion(ctx context.Context, req Request) (Response, error)
	Responses(ctx context.Context, req Request) (Response, error)
	HealthCheck(ctx context.Context) HealthStatus
	Name() string
}

// Fields is the subset of an incoming body every adapter and the
// admission pipeline cares about; everything else is forwarded verbatim
// inside Request.Body.
type Fields struct {
	Model       string          `json:"model"`
	Messages    json.RawMessage `json:"messages,omitempty"`
	Prompt      json.RawMessage `json:"prompt,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
}

func ParseFields(body json.RawMessage) (Fields, error) {
	var f Fields
	if err := json.Unmarshal(body, &f); err != nil {
		return Fields{}, err
	}
	return f, nil
}
