package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type AuthConfig struct {
	// JWTSecret signs and verifies HS256 bearer tokens carrying the agent
	// identity. When empty, auth is disabled and the actor headers are
	// trusted (local development only).
	JWTSecret string
}

// Principal identifies the calling agent or job.
type Principal struct {
	ActorID string
	Role    string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func roleFromContext(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok && p.Role != "" {
		return p.Role
	}
	return "system"
}

type agentClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

func authenticateJWT(token, secret string) (Principal, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &agentClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Role: claims.Role}, nil
}

// IssueToken signs a bearer token for an agent. Used by the CLI to mint
// worker credentials.
func IssueToken(secret, actorID, role string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := agentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := map[string]bool{
		basePath + "/healthz":      true,
		basePath + "/openapi.json": true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] || !strings.HasPrefix(r.URL.Path, basePath) {
				next.ServeHTTP(w, r)
				return
			}
			if cfg.JWTSecret == "" {
				p := Principal{
					ActorID: headerOr(r, "X-Actor-Id", "local-agent"),
					Role:    headerOr(r, "X-Actor-Role", "system"),
				}
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
				return
			}
			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(authz, "Bearer ") {
				writeAuthError(w, "authentication required")
				return
			}
			p, err := authenticateJWT(strings.TrimPrefix(authz, "Bearer "), cfg.JWTSecret)
			if err != nil {
				writeAuthError(w, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}

func headerOr(r *http.Request, key, fallback string) string {
	if v := r.Header.Get(key); v != "" {
		return v
	}
	return fallback
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": "unauthorized", "message": msg},
	})
}
