package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicAdapter forwards the caller's OpenAI-shaped body to
// Anthropic's messages endpoint. Shape translation (OpenAI "messages"
// array vs Anthropic's own dialect) is out of scope; callers targeting
// Anthropic models are expected to already speak its wire format, same
// as the teacher's provider layer assumes per-provider request shaping
// happens upstream of the adapter.
type AnthropicAdapter struct {
	apiKey  string
	baseURL string
	http    *http.Client
	sdk     anthropic.Client
}

func NewAnthropicAdapter(apiKey, baseURL string) *AnthropicAdapter {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		sdk:     anthropic.NewClient(opts...),
	}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) ChatCompletion(ctx context.Context, req Request) (Response, error) {
	return a.forward(ctx, "/messages", req)
}

func (a *AnthropicAdapter) Responses(ctx context.Context, req Request) (Response, error) {
	return a.forward(ctx, "/messages", req)
}

func (a *AnthropicAdapter) forward(ctx context.Context, path string, req Request) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	key := a.apiKey
	if req.OverrideKey != "" {
		key = req.OverrideKey
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("call anthropic: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read anthropic response: %w", err)
	}

	return Response{Status: resp.StatusCode, Data: data}, nil
}

func (a *AnthropicAdapter) HealthCheck(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	_, err := a.sdk.Models.List(ctx, anthropic.ModelListParams{})
	status := HealthStatus{ResponseTime: time.Since(start), LastChecked: time.Now()}
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Healthy = true
	return status
}
