package models

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ApiKey is the opaque bearer credential presented on every admission
// request. Only the SHA-256 hash and a 16-character lookup prefix (the
// "llmg_sk_" marker plus the first 8 secret characters) are persisted; the plaintext secret is returned to the caller exactly once,
// at creation time, and never stored.
type ApiKey struct {
	BaseModel
	TenantID   uuid.UUID      `gorm:"type:uuid;index;not null" json:"tenant_id"`
	Name       string         `json:"name"`
	KeyHash    string         `gorm:"uniqueIndex;not null" json:"-"`
	KeyPrefix  string         `gorm:"index;not null" json:"key_prefix"`
	IsActive   bool           `gorm:"default:true" json:"is_active"`
	Scopes     pq.StringArray `gorm:"type:text[]" json:"scopes,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	LastUsedAt *time.Time     `json:"last_used_at,omitempty"`
}

const apiKeyPrefix = "llmg_sk_"

// GenerateAPIKey produces a fresh plaintext secret and its persistable
// hash+prefix pair. The plaintext is never recoverable from the hash.
func GenerateAPIKey() (plaintext, hash, prefix string, err error) {
	raw := make([]byte, 32)
	if _, err = rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("generate api key: %w", err)
	}
	plaintext = apiKeyPrefix + hex.EncodeToString(raw)
	hash = HashAPIKey(plaintext)
	prefix = plaintext[:len(apiKeyPrefix)+8]
	return plaintext, hash, prefix, nil
}

// HashAPIKey returns the hex-encoded SHA-256 digest of a plaintext key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// VerifyAPIKey performs a timing-safe comparison of a plaintext candidate
// against a stored hash. Callers must still look the row up by prefix
// first; this only guards the final hash comparison.
func VerifyAPIKey(plaintext, storedHash string) bool {
	candidate := HashAPIKey(plaintext)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(storedHash)) == 1
}

func (k *ApiKey) IsExpired() bool {
	return k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt)
}

func (k *ApiKey) IsUsable() bool {
	return k.IsActive && !k.IsExpired()
}
