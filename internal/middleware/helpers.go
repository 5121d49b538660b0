// internal/middleware/helpers.go
package middleware

import (
	"civicreport-service/internal/pkg/jwt"

	"github.com/gin-gonic/gin"
)

// MustGetClaims gets the claims from context or panics
func MustGetClaims(c *gin.Context) *jwt.Claims {
	claims, exists := GetClaims(c)
	if !exists {
		panic("claims not found in context")
	}
	return claims
}
