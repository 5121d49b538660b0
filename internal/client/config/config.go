// Package config loads civicwatch settings from a YAML file, CIVICWATCH_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"civicreport-service/internal/client/aggregate"
	"civicreport-service/internal/domain/auth"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server     string `mapstructure:"server"`
	Space      string `mapstructure:"space"`
	View       string `mapstructure:"view"`
	Limit      int    `mapstructure:"limit"`
	KeyringDir string `mapstructure:"keyring_dir"`
	Passphrase string `mapstructure:"keyring_passphrase"`
	Email      string `mapstructure:"email"`
	Password   string `mapstructure:"password"`
	Debug      bool   `mapstructure:"debug"`
}

func (c *Config) IdentitySpace() auth.IdentitySpace {
	return auth.IdentitySpace(c.Space)
}

func (c *Config) Mode() aggregate.Mode {
	return aggregate.Mode(c.View)
}

func (c *Config) Validate() error {
	if _, err := auth.ParseSpace(c.Space); err != nil {
		return err
	}
	switch aggregate.Mode(c.View) {
	case aggregate.ModeMine, aggregate.ModeCommunity:
	default:
		return fmt.Errorf("unknown view %q", c.View)
	}
	if c.Server == "" {
		return errors.New("server address is required")
	}
	if c.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", c.Limit)
	}
	return nil
}

// DefaultPath is ~/.config/civicwatch/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "civicwatch", "config.yaml")
}

// Flags declares the command-line flags Load understands.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("civicwatch", pflag.ContinueOnError)
	fs.String("config", DefaultPath(), "path to config file")
	fs.String("server", "http://localhost:5000", "backend base URL")
	fs.String("space", string(auth.SpaceCitizen), "identity space: citizen, staff or admin")
	fs.String("view", string(aggregate.ModeCommunity), "citizen view: mine or community")
	fs.Int("limit", 20, "notifications to load")
	fs.String("email", "", "sign in with this email when no session is stored")
	fs.String("password", "", "password for --email")
	fs.Bool("debug", false, "verbose logging")
	return fs
}

// Load parses args against fs and merges file, env and flags.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetDefault("server", "http://localhost:5000")
	v.SetDefault("space", string(auth.SpaceCitizen))
	v.SetDefault("view", string(aggregate.ModeCommunity))
	v.SetDefault("limit", 20)
	v.SetDefault("keyring_dir", filepath.Join(filepath.Dir(DefaultPath()), "keyring"))
	v.SetDefault("keyring_passphrase", "civicwatch")

	v.SetEnvPrefix("CIVICWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	path, _ := fs.GetString("config")
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
