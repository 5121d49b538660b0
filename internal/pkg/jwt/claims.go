// internal/pkg/jwt/claims.go
package jwt

import (
	"civicreport-service/internal/domain/auth"
	"civicreport-service/internal/domain/issue"

	"github.com/golang-jwt/jwt/v5"
)

const purposeAccess = "access"

// Claims represents the JWT claims. Subject carries the user id, ID the jti.
type Claims struct {
	Space          auth.IdentitySpace `json:"space"`
	Role           string             `json:"role"`
	Department     issue.Category     `json:"category,omitempty"`
	SessionPurpose string             `json:"session_purpose"`
	jwt.RegisteredClaims
}

func (c *Claims) SubjectID() string {
	return c.Subject
}

func (c *Claims) IsAdmin() bool {
	return c.Role == auth.RoleAdmin
}

func (c *Claims) IsStaff() bool {
	return c.Role == auth.RoleStaff
}

// VerifyAudience checks if the expected audience is listed in the claims.
func (c *Claims) VerifyAudience(audience string, required bool) bool {
	if len(c.Audience) == 0 {
		return !required
	}

	for _, aud := range c.Audience {
		if aud == audience {
			return true
		}
	}

	return false
}
