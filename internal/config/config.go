// Package config loads extension host settings from a YAML file and
// EXTENSIONHOST_* environment variables.
package config

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/goatkit/extensionhost/internal/catalog/signing"
)

// EnvPrefix prefixes every environment override, e.g.
// EXTENSIONHOST_HTTP_ADDR for http.addr.
const EnvPrefix = "EXTENSIONHOST"

// DefaultFileName is looked up in the working directory when no config
// file is given.
const DefaultFileName = "extensionhost"

// Config is the complete host configuration.
type Config struct {
	Contract          string        `mapstructure:"contract"`
	HostAppID         string        `mapstructure:"host_app_id"`
	PackagesDir       string        `mapstructure:"packages_dir"`
	RequireSignatures bool          `mapstructure:"require_signatures"`
	TrustedKeys       []string      `mapstructure:"trusted_keys"`
	Watch             bool          `mapstructure:"watch"`
	Debounce          time.Duration `mapstructure:"debounce"`
	RescanSchedule    string        `mapstructure:"rescan_schedule"`

	Script ScriptConfig `mapstructure:"script"`
	HTTP   HTTPConfig   `mapstructure:"http"`
	Log    LogConfig    `mapstructure:"log"`
}

// ScriptConfig tunes the script host.
type ScriptConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	LogBuffer int           `mapstructure:"log_buffer"`
}

// HTTPConfig configures the admin API.
type HTTPConfig struct {
	// Addr is the listen address. Empty disables the server.
	Addr string `mapstructure:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("contract", "com.extensionhost.image")
	v.SetDefault("host_app_id", "App")
	v.SetDefault("packages_dir", "packages")
	v.SetDefault("require_signatures", false)
	v.SetDefault("trusted_keys", []string{})
	v.SetDefault("watch", true)
	v.SetDefault("debounce", 500*time.Millisecond)
	v.SetDefault("rescan_schedule", "")
	v.SetDefault("script.timeout", 5*time.Second)
	v.SetDefault("script.log_buffer", 1000)
	v.SetDefault("http.addr", ":8090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from path, or from extensionhost.yaml in the
// working directory when path is empty. A missing default file is not an
// error; a missing explicit file is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Contract) == "" {
		errs = append(errs, errors.New("contract must not be empty"))
	}
	if strings.TrimSpace(c.PackagesDir) == "" {
		errs = append(errs, errors.New("packages_dir must not be empty"))
	}
	if strings.Contains(c.HostAppID, "!") {
		errs = append(errs, fmt.Errorf("host_app_id %q must not contain '!'", c.HostAppID))
	}
	if c.Debounce < 0 {
		errs = append(errs, errors.New("debounce must not be negative"))
	}
	if c.Script.Timeout <= 0 {
		errs = append(errs, errors.New("script.timeout must be positive"))
	}
	if c.RescanSchedule != "" {
		if _, err := cron.ParseStandard(c.RescanSchedule); err != nil {
			errs = append(errs, fmt.Errorf("rescan_schedule: %w", err))
		}
	}
	if _, err := c.PublicKeys(); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if c.RequireSignatures && len(c.TrustedKeys) == 0 {
		errs = append(errs, errors.New("require_signatures needs at least one trusted key"))
	}
	return errors.Join(errs...)
}

// PublicKeys decodes the trusted signing keys.
func (c *Config) PublicKeys() ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(c.TrustedKeys))
	for i, s := range c.TrustedKeys {
		if strings.TrimSpace(s) == "" {
			continue
		}
		k, err := signing.ParsePublicKey(s)
		if err != nil {
			return nil, fmt.Errorf("trusted_keys[%d]: %w", i, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// NewLogger builds the process logger described by the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
