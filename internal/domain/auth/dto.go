// internal/domain/auth/dto.go
package auth

import "civicreport-service/internal/domain/issue"

type RegisterRequest struct {
	Name     string `json:"name" binding:"required,max=120"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`

	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

// CreateStaffRequest is used by admins to provision staff and admin accounts.
type CreateStaffRequest struct {
	Name       string         `json:"name" binding:"required,max=120"`
	Email      string         `json:"email" binding:"required,email"`
	Password   string         `json:"password" binding:"required,min=8"`
	Space      IdentitySpace  `json:"space" binding:"required"`
	Department issue.Category `json:"category"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`

	Space     IdentitySpace `json:"-"`
	IPAddress string        `json:"-"`
	UserAgent string        `json:"-"`
}

type UserInfo struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Email      string         `json:"email"`
	Role       string         `json:"role"`
	Department issue.Category `json:"category,omitempty"`
}

type LoginResponse struct {
	AccessToken string   `json:"access_token"`
	User        UserInfo `json:"user"`
}
