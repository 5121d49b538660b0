// internal/service/auth/auth.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"civicreport-service/internal/domain/auth"
	"civicreport-service/internal/domain/issue"
	xerrors "civicreport-service/internal/pkg/errors"
	"civicreport-service/internal/pkg/jwt"
	"civicreport-service/internal/pkg/session"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type UserRepository interface {
	Create(ctx context.Context, u *auth.User) error
	FindByEmail(ctx context.Context, space auth.IdentitySpace, email string) (*auth.User, error)
	FindByID(ctx context.Context, id string) (*auth.User, error)
}

type SessionManager interface {
	CreateSession(ctx context.Context, s *session.SessionData) error
	GetSession(ctx context.Context, subjectID, jti string) (*session.SessionData, error)
	InvalidateSession(ctx context.Context, subjectID, jti string, expiresAt time.Time) error
	IsTokenBlacklisted(ctx context.Context, jti string) (bool, error)
}

type LoginLimiter interface {
	CheckLoginAttempt(ctx context.Context, space auth.IdentitySpace, ip, email string) (bool, int64, error)
	ResetLoginAttempts(ctx context.Context, space auth.IdentitySpace, ip, email string) error
}

type AuthService struct {
	users          UserRepository
	jwtManager     *jwt.Manager
	sessionManager SessionManager
	rateLimiter    LoginLimiter
	logger         *zap.Logger
}

func NewAuthService(
	users UserRepository,
	jwtManager *jwt.Manager,
	sessionManager SessionManager,
	rateLimiter LoginLimiter,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		users:          users,
		jwtManager:     jwtManager,
		sessionManager: sessionManager,
		rateLimiter:    rateLimiter,
		logger:         logger,
	}
}

// ========== Registration ==========

// Register creates a citizen account and signs it in.
func (s *AuthService) Register(ctx context.Context, req *auth.RegisterRequest) (*auth.LoginResponse, error) {
	user, err := s.createUser(ctx, req.Name, req.Email, req.Password, auth.SpaceCitizen, "")
	if err != nil {
		return nil, err
	}

	s.logger.Info("citizen registered", zap.String("user_id", user.ID))
	return s.issueSession(ctx, user, req.IPAddress, req.UserAgent)
}

// CreateStaff provisions a staff or admin account. Staff must belong to a
// department.
func (s *AuthService) CreateStaff(ctx context.Context, req *auth.CreateStaffRequest) (*auth.UserInfo, error) {
	switch req.Space {
	case auth.SpaceStaff:
		if req.Department == "" {
			return nil, fmt.Errorf("staff accounts need a category: %w", xerrors.ErrInvalidInput)
		}
	case auth.SpaceAdmin:
		req.Department = ""
	default:
		return nil, fmt.Errorf("space must be staff or admin: %w", xerrors.ErrInvalidInput)
	}

	user, err := s.createUser(ctx, req.Name, req.Email, req.Password, req.Space, req.Department)
	if err != nil {
		return nil, err
	}

	s.logger.Info("staff account created",
		zap.String("user_id", user.ID),
		zap.String("space", string(user.Space)),
		zap.String("category", string(user.Department)),
	)
	info := user.Info()
	return &info, nil
}

// EnsureAdminExists creates the bootstrap admin on first start.
func (s *AuthService) EnsureAdminExists(ctx context.Context, email, password, name string) error {
	if email == "" || password == "" {
		return fmt.Errorf("admin email and password must be provided")
	}

	_, err := s.users.FindByEmail(ctx, auth.SpaceAdmin, email)
	if err == nil {
		s.logger.Info("admin already exists, skipping creation")
		return nil
	}
	if !errors.Is(err, xerrors.ErrNotFound) {
		return fmt.Errorf("failed to check admin existence: %w", err)
	}

	user, err := s.createUser(ctx, name, email, password, auth.SpaceAdmin, "")
	if err != nil {
		return fmt.Errorf("failed to create admin: %w", err)
	}

	s.logger.Info("admin created", zap.String("email", user.Email), zap.String("user_id", user.ID))
	return nil
}

func (s *AuthService) createUser(ctx context.Context, name, email, password string, space auth.IdentitySpace, department issue.Category) (*auth.User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &auth.User{
		Name:         strings.TrimSpace(name),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: string(hashed),
		Space:        space,
		Role:         space.DefaultRole(),
		Department:   department,
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, xerrors.ErrConflict) {
			return nil, fmt.Errorf("email already registered: %w", xerrors.ErrConflict)
		}
		return nil, err
	}
	return user, nil
}

// ========== Login ==========

// Login authenticates inside one identity space. The same email may exist in
// several spaces with different passwords.
func (s *AuthService) Login(ctx context.Context, req *auth.LoginRequest) (*auth.LoginResponse, error) {
	allowed, remaining, err := s.rateLimiter.CheckLoginAttempt(ctx, req.Space, req.IPAddress, req.Email)
	if err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}
	if !allowed {
		return nil, fmt.Errorf("too many login attempts, please try again in 15 minutes: %w", xerrors.ErrRateLimited)
	}

	user, err := s.users.FindByEmail(ctx, req.Space, req.Email)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil, fmt.Errorf("invalid credentials: %w", xerrors.ErrUnauthorized)
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, fmt.Errorf("invalid credentials (attempts remaining: %d): %w", remaining, xerrors.ErrUnauthorized)
	}

	if err := s.rateLimiter.ResetLoginAttempts(ctx, req.Space, req.IPAddress, req.Email); err != nil {
		s.logger.Warn("failed to reset login attempts", zap.Error(err))
	}

	return s.issueSession(ctx, user, req.IPAddress, req.UserAgent)
}

func (s *AuthService) issueSession(ctx context.Context, user *auth.User, ipAddress, userAgent string) (*auth.LoginResponse, error) {
	accessToken, jti, err := s.jwtManager.Generator.GenerateAccessToken(user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	now := time.Now()
	sessionData := &session.SessionData{
		JTI:            jti,
		SubjectID:      user.ID,
		Space:          user.Space,
		Role:           user.Role,
		Department:     user.Department,
		Email:          user.Email,
		IPAddress:      ipAddress,
		UserAgent:      userAgent,
		LoginAt:        now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(s.jwtManager.Generator.Ttl),
	}
	if err := s.sessionManager.CreateSession(ctx, sessionData); err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}

	return &auth.LoginResponse{
		AccessToken: accessToken,
		User:        user.Info(),
	}, nil
}

// ========== Logout ==========

// Logout revokes the token behind claims for the rest of its lifetime.
func (s *AuthService) Logout(ctx context.Context, claims *jwt.Claims) error {
	expiresAt := time.Now().Add(s.jwtManager.Generator.Ttl)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	if err := s.sessionManager.InvalidateSession(ctx, claims.SubjectID(), claims.ID, expiresAt); err != nil {
		return fmt.Errorf("failed to invalidate session: %w", err)
	}
	return nil
}

// ValidateToken validates a JWT token and its server-side session.
func (s *AuthService) ValidateToken(ctx context.Context, token string) (*jwt.Claims, error) {
	claims, err := s.jwtManager.Verifier.VerifyAccessToken(token)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %v: %w", err, xerrors.ErrUnauthorized)
	}

	blacklisted, err := s.sessionManager.IsTokenBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check blacklist: %w", err)
	}
	if blacklisted {
		return nil, fmt.Errorf("token has been revoked: %w", xerrors.ErrUnauthorized)
	}

	if _, err := s.sessionManager.GetSession(ctx, claims.SubjectID(), claims.ID); err != nil {
		return nil, fmt.Errorf("session not found or expired: %w", err)
	}

	return claims, nil
}

// GetMe returns the account behind a token.
func (s *AuthService) GetMe(ctx context.Context, subjectID string) (*auth.UserInfo, error) {
	user, err := s.users.FindByID(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	info := user.Info()
	return &info, nil
}
