// internal/pkg/session/rate_limiter.go
package session

import (
	"context"
	"fmt"
	"time"

	"civicreport-service/internal/domain/auth"

	"github.com/redis/go-redis/v9"
)

const (
	maxLoginAttempts   = 5
	loginAttemptWindow = 15 * time.Minute
)

type RateLimiter struct {
	client *redis.Client
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client}
}

// CheckLoginAttempt counts an attempt and reports whether it is allowed,
// with the number of attempts left in the window.
func (r *RateLimiter) CheckLoginAttempt(ctx context.Context, space auth.IdentitySpace, ip, email string) (bool, int64, error) {
	key := r.loginKey(space, ip, email)

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to increment login attempt: %w", err)
	}

	if count == 1 {
		r.client.Expire(ctx, key, loginAttemptWindow)
	}

	remaining := maxLoginAttempts - count
	if remaining < 0 {
		remaining = 0
	}

	return count <= maxLoginAttempts, remaining, nil
}

// ResetLoginAttempts resets the login attempt counter
func (r *RateLimiter) ResetLoginAttempts(ctx context.Context, space auth.IdentitySpace, ip, email string) error {
	return r.client.Del(ctx, r.loginKey(space, ip, email)).Err()
}

func (r *RateLimiter) loginKey(space auth.IdentitySpace, ip, email string) string {
	return fmt.Sprintf("ratelimit:login:%s:%s:%s", space, ip, email)
}
