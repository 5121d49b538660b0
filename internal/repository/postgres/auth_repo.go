// internal/repository/postgres/auth_repo.go
package postgres

import (
	"context"
	"fmt"
	"strings"

	"civicreport-service/internal/domain/auth"
	"civicreport-service/internal/domain/issue"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AuthRepository struct {
	db *pgxpool.Pool
}

func NewAuthRepository(db *pgxpool.Pool) *AuthRepository {
	return &AuthRepository{db: db}
}

const userColumns = `id, name, email, password_hash, space, role, department, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*auth.User, error) {
	var u auth.User
	var department *string
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Space, &u.Role, &department, &u.CreatedAt); err != nil {
		return nil, translate(err)
	}
	u.Department = issue.Category(deref(department))
	return &u, nil
}

// Create inserts a user. A duplicate email inside the same space yields
// ErrConflict.
func (r *AuthRepository) Create(ctx context.Context, u *auth.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))

	query := `
		INSERT INTO users (id, name, email, password_hash, space, role, department)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query,
		u.ID, u.Name, u.Email, u.PasswordHash, u.Space, u.Role, nullable(string(u.Department)),
	).Scan(&u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", translate(err))
	}
	return nil
}

// FindByEmail looks a user up inside one identity space.
func (r *AuthRepository) FindByEmail(ctx context.Context, space auth.IdentitySpace, email string) (*auth.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE space = $1 AND email = LOWER($2)`
	u, err := scanUser(r.db.QueryRow(ctx, query, space, strings.TrimSpace(email)))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return u, nil
}

func (r *AuthRepository) FindByID(ctx context.Context, id string) (*auth.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	u, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return u, nil
}
