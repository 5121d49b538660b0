package config

import (
	"os"
	"path/filepath"
	"testing"

	"civicreport-service/internal/client/aggregate"
	"civicreport-service/internal/domain/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Flags(), []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5000", cfg.Server)
	assert.Equal(t, auth.SpaceCitizen, cfg.IdentitySpace())
	assert.Equal(t, aggregate.ModeCommunity, cfg.Mode())
	assert.Equal(t, 20, cfg.Limit)
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: http://file:5000\nspace: staff\nlimit: 30\n"), 0o600))

	t.Setenv("CIVICWATCH_LIMIT", "40")

	cfg, err := Load(Flags(), []string{"--config", path, "--space", "admin"})
	require.NoError(t, err)
	assert.Equal(t, "http://file:5000", cfg.Server)
	assert.Equal(t, auth.SpaceAdmin, cfg.IdentitySpace())
	assert.Equal(t, 40, cfg.Limit)
}

func TestLoadRejectsUnknownSpace(t *testing.T) {
	_, err := Load(Flags(), []string{"--config", "", "--space", "mayor"})
	assert.Error(t, err)

	_, err = Load(Flags(), []string{"--config", "", "--view", "everything"})
	assert.Error(t, err)
}
