package auth

import "github.com/golang-jwt/jwt/v5"

// CustomClaims - токен оператора admin API
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "verifier.admin": true
	jwt.RegisteredClaims
}

// ScopeAdmin дает доступ ко всем операциям независимо от настроенного scope
const ScopeAdmin = "admin"

// HasScope - есть ли у токена нужный scope
func (c *CustomClaims) HasScope(scope string) bool {
	if scope == "" {
		return true
	}
	return c.Scopes[scope] || c.Scopes[ScopeAdmin]
}

// Operator - кто выполняет операцию: user_id, иначе sub
func (c *CustomClaims) Operator() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}
