package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIAdapter proxies the caller's body mostly unchanged to OpenAI's
// REST API via a plain HTTP client — matching the teacher's pattern of
// not round-tripping through the SDK's typed request structs for the
// hot path. The SDK client is used only for HealthCheck, where a typed
// call is cheap and gives a real signal.
type OpenAIAdapter struct {
	apiKey  string
	baseURL string
	http    *http.Client
	sdk     openai.Client
}

func NewOpenAIAdapter(apiKey, baseURL string) *OpenAIAdapter {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		sdk:     openai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL)),
	}
}

func (a *OpenAIAdapter) Name() string { return "openai" }

func (a *OpenAIAdapter) ChatCompletion(ctx context.Context, req Request) (Response, error) {
	return a.forward(ctx, "/chat/completions", req)
}

func (a *OpenAIAdapter) Responses(ctx context.Context, req Request) (Response, error) {
	return a.forward(ctx, "/responses", req)
}

func (a *OpenAIAdapter) forward(ctx context.Context, path string, req Request) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	key := a.apiKey
	if req.OverrideKey != "" {
		key = req.OverrideKey
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("call openai: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read openai response: %w", err)
	}

	return Response{Status: resp.StatusCode, Data: data}, nil
}

func (a *OpenAIAdapter) HealthCheck(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	_, err := a.sdk.Models.List(ctx)
	status := HealthStatus{ResponseTime: time.Since(start), LastChecked: time.Now()}
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Healthy = true
	return status
}
