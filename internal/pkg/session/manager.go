// internal/pkg/session/manager.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	xerrors "civicreport-service/internal/pkg/errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Manager struct {
	client *redis.Client
	logger *zap.Logger
}

func NewManager(client *redis.Client, logger *zap.Logger) *Manager {
	return &Manager{
		client: client,
		logger: logger,
	}
}

// CreateSession stores a new session in Redis until the token expires.
func (m *Manager) CreateSession(ctx context.Context, session *SessionData) error {
	key := m.sessionKey(session.SubjectID, session.JTI)

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}

	if err := m.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session in redis: %w", err)
	}

	return nil
}

// GetSession retrieves a session and bumps its last activity in the background.
func (m *Manager) GetSession(ctx context.Context, subjectID, jti string) (*SessionData, error) {
	data, err := m.client.Get(ctx, m.sessionKey(subjectID, jti)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, xerrors.ErrSessionExpired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var session SessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	session.LastActivityAt = time.Now()
	go m.touch(context.Background(), &session)

	return &session, nil
}

// InvalidateSession removes a session and blacklists its token for the
// remainder of its lifetime.
func (m *Manager) InvalidateSession(ctx context.Context, subjectID, jti string, expiresAt time.Time) error {
	if err := m.client.Del(ctx, m.sessionKey(subjectID, jti)).Err(); err != nil {
		m.logger.Warn("failed to delete session from redis", zap.String("jti", jti), zap.Error(err))
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return m.BlacklistToken(ctx, jti, ttl)
}

// IsTokenBlacklisted checks if a token is blacklisted
func (m *Manager) IsTokenBlacklisted(ctx context.Context, jti string) (bool, error) {
	exists, err := m.client.Exists(ctx, m.blacklistKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	return exists > 0, nil
}

// BlacklistToken adds a token to the blacklist
func (m *Manager) BlacklistToken(ctx context.Context, jti string, ttl time.Duration) error {
	return m.client.Set(ctx, m.blacklistKey(jti), "1", ttl).Err()
}

func (m *Manager) touch(ctx context.Context, session *SessionData) {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(session)
	if err != nil {
		return
	}
	if err := m.client.Set(ctx, m.sessionKey(session.SubjectID, session.JTI), data, ttl).Err(); err != nil {
		m.logger.Debug("failed to update session activity", zap.Error(err))
	}
}

func (m *Manager) sessionKey(subjectID, jti string) string {
	return fmt.Sprintf("session:%s:%s", subjectID, jti)
}

func (m *Manager) blacklistKey(jti string) string {
	return fmt.Sprintf("blacklist:%s", jti)
}
