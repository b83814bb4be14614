package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultProvider          = ""
	defaultUsePTY            = true
	defaultTimeout           = 30 * time.Minute
	defaultIdleTimeout       = 5 * time.Minute
	defaultIdleCheckInterval = time.Second
	defaultKillGrace         = 2 * time.Second
	defaultBufferHighWaterKB = 512
	defaultBufferTailKB      = 128
	defaultLogLevel          = "info"
	defaultTelemetryEnabled  = true
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	DefaultProvider   string
	UsePTY            bool
	Timeout           time.Duration
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration
	KillGrace         time.Duration
	BufferHighWaterKB int
	BufferTailKB      int
	LogLevel          string
	OTelEndpoint      string
	TelemetryEnabled  bool
	Providers         map[string]ProviderConfig
}

// ProviderConfig stores per-provider overrides.
type ProviderConfig struct {
	Binary string
	Model  string
	Env    map[string]string
}

type fileConfig struct {
	DefaultProvider   *string                 `toml:"default_provider"`
	UsePTY            *bool                   `toml:"use_pty"`
	Timeout           *string                 `toml:"timeout"`
	IdleTimeout       *string                 `toml:"idle_timeout"`
	IdleCheckInterval *string                 `toml:"idle_check_interval"`
	KillGrace         *string                 `toml:"kill_grace"`
	BufferHighWaterKB *int                    `toml:"buffer_high_water_kb"`
	BufferTailKB      *int                    `toml:"buffer_tail_kb"`
	LogLevel          *string                 `toml:"log_level"`
	OTel              *otelConfig             `toml:"otel"`
	Telemetry         *telemetryConfig        `toml:"telemetry"`
	Providers         map[string]providerFile `toml:"providers"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

type telemetryConfig struct {
	Enabled *bool `toml:"enabled"`
}

type providerFile struct {
	Binary *string           `toml:"binary"`
	Model  *string           `toml:"model"`
	Env    map[string]string `toml:"env"`
}

// Load reads ~/.agentvisor/config.toml and overlays a project-local
// .agentvisor/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return LoadFiles(ctx,
		filepath.Join(homeDir, ".agentvisor", "config.toml"),
		filepath.Join(workingDir, ".agentvisor", "config.toml"),
	)
}

// LoadFiles overlays paths in order onto the defaults. Missing files are
// skipped.
func LoadFiles(ctx context.Context, paths ...string) (*Config, error) {
	cfg := defaults()
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	cfg := defaults()
	return &cfg
}

func defaults() Config {
	return Config{
		DefaultProvider:   defaultProvider,
		UsePTY:            defaultUsePTY,
		Timeout:           defaultTimeout,
		IdleTimeout:       defaultIdleTimeout,
		IdleCheckInterval: defaultIdleCheckInterval,
		KillGrace:         defaultKillGrace,
		BufferHighWaterKB: defaultBufferHighWaterKB,
		BufferTailKB:      defaultBufferTailKB,
		LogLevel:          defaultLogLevel,
		TelemetryEnabled:  defaultTelemetryEnabled,
		Providers:         map[string]ProviderConfig{},
	}
}

// Validate rejects settings the supervisor cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if c.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	if c.IdleTimeout < 0 {
		return errors.New("idle_timeout must not be negative")
	}
	if c.IdleCheckInterval <= 0 {
		return errors.New("idle_check_interval must be positive")
	}
	if c.KillGrace <= 0 {
		return errors.New("kill_grace must be positive")
	}
	if c.BufferHighWaterKB <= 0 || c.BufferTailKB <= 0 {
		return errors.New("buffer sizes must be positive")
	}
	if c.BufferTailKB > c.BufferHighWaterKB {
		return fmt.Errorf("buffer_tail_kb (%d) must not exceed buffer_high_water_kb (%d)", c.BufferTailKB, c.BufferHighWaterKB)
	}
	return nil
}

// Provider returns the overrides for name. Unknown names yield the zero
// value.
func (c *Config) Provider(name string) ProviderConfig {
	if c == nil {
		return ProviderConfig{}
	}
	return c.Providers[normalizeKey(name)]
}

// ProviderNames returns the configured provider sections sorted by name.
func (c *Config) ProviderNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BufferLimits returns the parse buffer high-water mark and tail window in
// bytes.
func (c *Config) BufferLimits() (int, int) {
	return c.BufferHighWaterKB * 1024, c.BufferTailKB * 1024
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("parse %s in %q: unsupported key", undecoded[0], path)
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	overlayProviders(cfg, decoded.Providers)
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.DefaultProvider != nil {
		cfg.DefaultProvider = normalizeKey(*decoded.DefaultProvider)
	}
	if decoded.UsePTY != nil {
		cfg.UsePTY = *decoded.UsePTY
	}
	if decoded.BufferHighWaterKB != nil {
		cfg.BufferHighWaterKB = *decoded.BufferHighWaterKB
	}
	if decoded.BufferTailKB != nil {
		cfg.BufferTailKB = *decoded.BufferTailKB
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(*decoded.LogLevel))
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
	if decoded.Telemetry != nil && decoded.Telemetry.Enabled != nil {
		cfg.TelemetryEnabled = *decoded.Telemetry.Enabled
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	durations := []struct {
		key    string
		value  *string
		target *time.Duration
	}{
		{"timeout", decoded.Timeout, &cfg.Timeout},
		{"idle_timeout", decoded.IdleTimeout, &cfg.IdleTimeout},
		{"idle_check_interval", decoded.IdleCheckInterval, &cfg.IdleCheckInterval},
		{"kill_grace", decoded.KillGrace, &cfg.KillGrace},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		parsed, err := parseDuration(*d.value, d.key, path)
		if err != nil {
			return err
		}
		*d.target = parsed
	}
	return nil
}

func overlayProviders(cfg *Config, providers map[string]providerFile) {
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	for name, file := range providers {
		key := normalizeKey(name)
		current := cfg.Providers[key]
		if file.Binary != nil {
			current.Binary = strings.TrimSpace(*file.Binary)
		}
		if file.Model != nil {
			current.Model = strings.TrimSpace(*file.Model)
		}
		if len(file.Env) > 0 {
			env := make(map[string]string, len(current.Env)+len(file.Env))
			for k, v := range current.Env {
				env[k] = v
			}
			for k, v := range file.Env {
				env[k] = v
			}
			current.Env = env
		}
		cfg.Providers[key] = current
	}
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
