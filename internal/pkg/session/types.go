// internal/pkg/session/types.go
package session

import (
	"time"

	"civicreport-service/internal/domain/auth"
	"civicreport-service/internal/domain/issue"
)

// SessionData is the server-side record of an issued access token.
type SessionData struct {
	JTI            string             `json:"jti"`
	SubjectID      string             `json:"subject_id"`
	Space          auth.IdentitySpace `json:"space"`
	Role           string             `json:"role"`
	Department     issue.Category     `json:"department,omitempty"`
	Email          string             `json:"email"`
	IPAddress      string             `json:"ip_address"`
	UserAgent      string             `json:"user_agent"`
	LoginAt        time.Time          `json:"login_at"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	ExpiresAt      time.Time          `json:"expires_at"`
}
