// internal/middleware/auth_middleware.go
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"civicreport-service/internal/pkg/jwt"
	"civicreport-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// TokenValidator checks a bearer token against signature, revocation and
// session state.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*jwt.Claims, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(validator TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{
		validator: validator,
	}
}

// Auth is the base authentication middleware that validates JWT tokens
func (m *AuthMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			response.Error(c, http.StatusUnauthorized, "missing authorization token", nil)
			return
		}

		claims, err := m.validator.ValidateToken(c.Request.Context(), token)
		if err != nil {
			response.Error(c, http.StatusUnauthorized, "invalid or expired token", err)
			return
		}

		// Set user context
		c.Set(claimsKey, claims)
		c.Set("user_id", claims.SubjectID())
		c.Set("jti", claims.ID)
		c.Set("role", claims.Role)

		c.Next()
	}
}

// RequireRole middleware that requires user to have one of the specified roles
// MUST be used after Auth() middleware
func (m *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			response.Error(c, http.StatusForbidden, "no roles found - authentication required", nil)
			return
		}

		for _, role := range roles {
			if claims.Role == role {
				c.Next()
				return
			}
		}

		err := errors.New("user does not have required role")
		response.Error(c, http.StatusForbidden, "insufficient permissions", err, map[string]interface{}{
			"required_roles": roles,
			"user_role":      claims.Role,
		})
	}
}

// WithRole returns Auth followed by RequireRole.
func (m *AuthMiddleware) WithRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{
		m.Auth(),
		m.RequireRole(roles...),
	}
}

// extractToken extracts Bearer token from Authorization header
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}

	// Browsers cannot set headers on websocket upgrades.
	return c.Query("token")
}

// GetClaims returns the verified token claims set by Auth.
func GetClaims(c *gin.Context) (*jwt.Claims, bool) {
	v, exists := c.Get(claimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*jwt.Claims)
	return claims, ok
}
