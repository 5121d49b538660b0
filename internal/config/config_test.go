package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("JWT_TTL_HOURS", "")

	cfg := Load()
	assert.Equal(t, ":5000", cfg.HTTPAddr)
	assert.Equal(t, 24*time.Hour, cfg.JWT.TTL)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("JWT_TTL_HOURS", "2")
	t.Setenv("DB_MAX_CONNS", "not-a-number")

	cfg := Load()
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
	assert.Equal(t, 2*time.Hour, cfg.JWT.TTL)
	assert.Equal(t, int32(10), cfg.DBMaxConns)
}
