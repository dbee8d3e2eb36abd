package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// TokenValidator - общий для HTTP и gRPC способ проверить токен
type TokenValidator interface {
	VerifyToken(tokenStr string) (*CustomClaims, error)
}

type ctxKey string

const claimsKey ctxKey = "auth_claims"

// WithClaims кладет проверенные claims в контекст
func WithClaims(ctx context.Context, c *CustomClaims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFromContext достает claims, положенные middleware или интерсептором
func ClaimsFromContext(ctx context.Context) (*CustomClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*CustomClaims)
	return c, ok
}

// NewMiddleware пропускает только запросы с валидным токеном и нужным scope
func NewMiddleware(v TokenValidator, scope string, logger *zap.Logger) func(http.Handler) http.Handler {
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
			if !claims.HasScope(scope) {
				logger.Warn("insufficient scope", zap.String("operator", claims.Operator()), zap.String("scope", scope))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
