// Package opsauth gates the ops surface (cache stats, cache
// invalidation) behind a short-lived JWT, issued in exchange for the
// master key and signed with the configured JWT secret, trimmed
// from the teacher's MasterKeyService down to the one grant this
// control plane needs: a single shared secret in, a bearer token out.
// There is no per-user identity here — the admin CRUD surface that
// MasterKeyService also guarded in the teacher is explicitly out of
// scope.
package opsauth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidMasterKey = errors.New("invalid master key")

type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

type Service struct {
	masterKey   string
	jwtSecret   []byte
	issuer      string
	tokenExpiry time.Duration
}

type Config struct {
	MasterKey   string
	JWTSecret   []byte
	Issuer      string
	TokenExpiry time.Duration
}

func New(cfg Config) *Service {
	if cfg.Issuer == "" {
		cfg.Issuer = "llmguardctl"
	}
	if cfg.TokenExpiry == 0 {
		cfg.TokenExpiry = 15 * time.Minute
	}
	return &Service{masterKey: cfg.MasterKey, jwtSecret: cfg.JWTSecret, issuer: cfg.Issuer, tokenExpiry: cfg.TokenExpiry}
}

// IssueToken exchanges the master key for a short-lived ops-scoped JWT.
func (s *Service) IssueToken(masterKey string) (string, error) {
	if s.masterKey == "" || masterKey != s.masterKey {
		return "", ErrInvalidMasterKey
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   "ops",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenExpiry)),
		},
		Scope: "ops",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// VerifyToken validates a bearer token issued by IssueToken.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid or expired ops token")
	}
	if claims.Scope != "ops" {
		return nil, errors.New("token missing ops scope")
	}
	return claims, nil
}
