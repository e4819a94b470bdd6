package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/genai"
)

// GoogleAdapter forwards requests to the Gemini generateContent REST
// endpoint. The genai SDK client is used only for HealthCheck, where a
// lightweight typed call (listing models) gives a real liveness signal
// without needing the full generateContent request shape translated.
type GoogleAdapter struct {
	apiKey  string
	baseURL string
	http    *http.Client
	sdk     *genai.Client
}

func NewGoogleAdapter(ctx context.Context, apiKey, baseURL string) (*GoogleAdapter, error) {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	sdk, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("construct genai client: %w", err)
	}
	return &GoogleAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		sdk:     sdk,
	}, nil
}

func (a *GoogleAdapter) Name() string { return "google" }

func (a *GoogleAdapter) ChatCompletion(ctx context.Context, req Request) (Response, error) {
	return a.forward(ctx, req)
}

func (a *GoogleAdapter) Responses(ctx context.Context, req Request) (Response, error) {
	return a.forward(ctx, req)
}

func (a *GoogleAdapter) forward(ctx context.Context, req Request) (Response, error) {
	f, err := ParseFields(req.Body)
	if err != nil {
		return Response{}, fmt.Errorf("parse request fields: %w", err)
	}
	model := f.Model
	if model == "" {
		model = "gemini-2.5-pro"
	}
	key := a.apiKey
	if req.OverrideKey != "" {
		key = req.OverrideKey
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", a.baseURL, model, key)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("call google: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read google response: %w", err)
	}

	return Response{Status: resp.StatusCode, Data: data}, nil
}

func (a *GoogleAdapter) HealthCheck(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	_, err := a.sdk.Models.List(ctx, &genai.ListModelsConfig{})
	status := HealthStatus{ResponseTime: time.Since(start), LastChecked: time.Now()}
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Healthy = true
	return status
}
