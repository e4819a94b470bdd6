// Package httpapi is the HTTP transport for the admission pipeline: it
// translates request headers and bodies into admission.Request, renders
// admission.Outcome back to the wire, and exposes the operational
// endpoints (/health, /metrics) alongside the OpenAI-compatible routes.
package httpapi

import (
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/llmguard/llmguard/internal/admission"
	"github.com/llmguard/llmguard/internal/config"
	"github.com/llmguard/llmguard/internal/opsauth"
	"github.com/llmguard/llmguard/internal/provider"
)

const maxBodyBytes = 10 << 20 // 10MiB, matches spec §9's request size ceiling

// NewRouter wires the gateway's full route table: health and metrics are
// unauthenticated and exempt from request logging noise, the two
// OpenAI-compatible routes funnel through the admission pipeline.
func NewRouter(cfg *config.Config, logger *zap.Logger, pipeline *admission.Pipeline, providers *provider.Registry, rdb *redis.Client, ops *opsauth.Service) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}))

	r.Get("/health", healthHandler(providers))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", admitHandler(pipeline, "/v1/chat/completions"))
		r.Post("/responses", admitHandler(pipeline, "/v1/responses"))
	})

	if ops != nil {
		r.Route("/ops", func(r chi.Router) {
			r.Post("/token", opsTokenHandler(ops))
			r.Group(func(r chi.Router) {
				r.Use(opsAuthMiddleware(ops))
				r.Get("/cache/stats", opsCacheStatsHandler(rdb))
				r.Post("/cache/invalidate-tenant", opsCacheInvalidateHandler(rdb))
			})
		})
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})

	return r
}

func admitHandler(pipeline *admission.Pipeline, route string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
			return
		}

		req := admission.Request{
			Route:                route,
			ClientIP:             clientIP(r),
			AuthHeader:           authHeaderValue(r),
			BudgetTagsCSV:        r.Header.Get("X-Budget-Tags"),
			SessionID:            r.Header.Get("X-Session-Id"),
			SessionName:          r.Header.Get("X-Session-Name"),
			SessionPath:          r.Header.Get("X-Session-Path"),
			OpenAIKeyOverride:    r.Header.Get("X-OpenAI-Key"),
			AnthropicKeyOverride: r.Header.Get("X-Anthropic-Key"),
			GoogleKeyOverride:    r.Header.Get("X-Google-API-Key"),
			Body:                 body,
		}

		out := pipeline.Admit(r.Context(), req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(out.Status)
		_, _ = w.Write(out.Body)
	}
}

// clientIP reads the address chimiddleware.RealIP already resolved onto
// r.RemoteAddr (X-Forwarded-For/X-Real-IP when the proxy is trusted,
// otherwise the raw connection address), stripping the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authHeaderValue prefers a bearer Authorization header but also accepts
// the bare key via X-API-Key, matching how most OpenAI-compatible
// gateways let callers authenticate.
func authHeaderValue(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return h
	}
	return r.Header.Get("X-API-Key")
}

func healthHandler(providers *provider.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := providers.AllHealthy(r.Context())
		allHealthy := true
		for _, s := range statuses {
			if !s.Healthy {
				allHealthy = false
				break
			}
		}
		status := http.StatusOK
		if !allHealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]interface{}{
			"status":    allHealthy,
			"providers": statuses,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
