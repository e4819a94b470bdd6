package provider

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/llmguard/llmguard/internal/apierror"
	"github.com/llmguard/llmguard/internal/metrics"
	"github.com/llmguard/llmguard/internal/models"
	"github.com/llmguard/llmguard/pkg/circuitbreaker"
)

// Registry resolves a model name to the Provider configured to serve
// it, reading ModelPricing.Provider to decide which adapter handles the
// call — spec §6's "model-to-provider selection reads ModelPricing
// .provider + configured key set". A tripped circuit breaker per
// provider kind keeps a failing upstream from soaking up request
// latency on every admitted call until it recovers.
type Registry struct {
	db        *gorm.DB
	mu        sync.RWMutex
	byKind    map[string]Provider
	modelKind map[string]string
	breakers  *circuitbreaker.Manager
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{
		db:        db,
		byKind:    make(map[string]Provider),
		modelKind: make(map[string]string),
		breakers:  circuitbreaker.NewManager(5, 30*time.Second),
	}
}

func (r *Registry) Register(kind string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = p
}

// Resolve looks up which provider kind serves model, caching the
// mapping, then returns the registered adapter for that kind.
func (r *Registry) Resolve(ctx context.Context, model string) (Provider, error) {
	r.mu.RLock()
	kind, ok := r.modelKind[model]
	r.mu.RUnlock()

	if !ok {
		var pricing models.ModelPricing
		if err := r.db.WithContext(ctx).Where("model_id = ? OR ? = ANY(aliases)", model, model).First(&pricing).Error; err != nil {
			return nil, apierror.Newf(apierror.NoProviderForModel, "no provider configured for model %q", model)
		}
		kind = pricing.Provider
		r.mu.Lock()
		r.modelKind[model] = kind
		r.mu.Unlock()
	}

	r.mu.RLock()
	p, ok := r.byKind[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, apierror.Newf(apierror.NoProviderForModel, "provider %q for model %q is not configured", kind, model)
	}
	if r.breakers.IsOpen(kind) {
		return nil, apierror.Newf(apierror.ProviderError, "provider %q is temporarily unavailable", kind)
	}
	return p, nil
}

// RecordOutcome feeds a dispatch result back into the provider's circuit
// breaker, keyed by Provider.Name(). Call after every ChatCompletion or
// Responses attempt, whether it succeeded or not.
func (r *Registry) RecordOutcome(kind string, err error) {
	if err != nil {
		r.breakers.RecordFailure(kind)
		return
	}
	r.breakers.RecordSuccess(kind)
}

// AllHealthy runs HealthCheck against every registered provider,
// reporting per-kind liveness for the /health endpoint.
func (r *Registry) AllHealthy(ctx context.Context) map[string]HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]HealthStatus, len(r.byKind))
	for kind, p := range r.byKind {
		status := p.HealthCheck(ctx)
		out[kind] = status
		value := 0.0
		if status.Healthy {
			value = 1.0
		}
		metrics.ProviderHealthGauge.WithLabelValues(kind).Set(value)
	}
	return out
}
