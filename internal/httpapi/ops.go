package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/llmguard/llmguard/internal/cachetier"
	"github.com/llmguard/llmguard/internal/opsauth"
)

// opsTokenHandler exchanges the master key for a short-lived ops JWT.
// The master key never appears in any subsequent request.
func opsTokenHandler(ops *opsauth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		masterKey := r.Header.Get("X-Master-Key")
		token, err := ops.IssueToken(masterKey)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid master key"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

func opsAuthMiddleware(ops *opsauth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if header == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing ops token"})
				return
			}
			if _, err := ops.VerifyToken(header); err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid ops token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func opsCacheStatsHandler(rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := cachetier.Stats(r.Context(), rdb)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "cache unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func opsCacheInvalidateHandler(rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TenantID string `json:"tenant_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		tenantID, err := uuid.Parse(body.TenantID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid tenant_id"})
			return
		}
		deleted, err := cachetier.InvalidateTenant(r.Context(), rdb, tenantID)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "cache unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"keys_deleted": deleted})
	}
}
