// internal/domain/auth/entity.go
package auth

import (
	"fmt"
	"time"

	"civicreport-service/internal/domain/issue"
)

// IdentitySpace is an independent authentication domain with its own
// credentials and client-side storage slot.
type IdentitySpace string

const (
	SpaceCitizen IdentitySpace = "citizen"
	SpaceStaff   IdentitySpace = "staff"
	SpaceAdmin   IdentitySpace = "admin"
)

var Spaces = []IdentitySpace{SpaceCitizen, SpaceStaff, SpaceAdmin}

func (s IdentitySpace) Valid() bool {
	switch s {
	case SpaceCitizen, SpaceStaff, SpaceAdmin:
		return true
	}
	return false
}

func ParseSpace(v string) (IdentitySpace, error) {
	s := IdentitySpace(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown identity space %q", v)
	}
	return s, nil
}

// Role names as carried in tokens and notification audiences.
const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// DefaultRole returns the role every account in a space is created with.
func (s IdentitySpace) DefaultRole() string {
	switch s {
	case SpaceStaff:
		return RoleStaff
	case SpaceAdmin:
		return RoleAdmin
	default:
		return RoleUser
	}
}

type User struct {
	ID           string         `json:"id" db:"id"`
	Name         string         `json:"name" db:"name"`
	Email        string         `json:"email" db:"email"`
	PasswordHash string         `json:"-" db:"password_hash"`
	Space        IdentitySpace  `json:"space" db:"space"`
	Role         string         `json:"role" db:"role"`
	Department   issue.Category `json:"category,omitempty" db:"department"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

func (u *User) Info() UserInfo {
	return UserInfo{
		ID:         u.ID,
		Name:       u.Name,
		Email:      u.Email,
		Role:       u.Role,
		Department: u.Department,
	}
}
