package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/spaceai-assistant-prototype/internal/domain"
	"go.uber.org/zap"
)

// Ключи контекста запроса, которые прокидывает middleware
type ctxKey string

const (
	CtxKeyActorID ctxKey = "actor_id"
	CtxKeyScopes  ctxKey = "actor_scopes"
)

// TokenValidator — интерфейс, который должны реализовать и движок, и консоль
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Прокидываем данные в контекст
			ctx := context.WithValue(r.Context(), CtxKeyScopes, claims.Scopes)
			ctx = context.WithValue(ctx, CtxKeyActorID, claims.ActorID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorIDFromContext достает ID актора, положенный middleware.
func ActorIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(CtxKeyActorID).(string); ok {
		return id
	}
	return ""
}

// ScopesFromContext достает scopes токена.
func ScopesFromContext(ctx context.Context) map[string]bool {
	if scopes, ok := ctx.Value(CtxKeyScopes).(map[string]bool); ok {
		return scopes
	}
	return nil
}
