package config

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ship-commander/agentvisor/internal/testutil"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	testutil.Chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.DefaultProvider != defaultProvider {
		t.Fatalf("default_provider = %q, want %q", cfg.DefaultProvider, defaultProvider)
	}
	if cfg.UsePTY != defaultUsePTY {
		t.Fatalf("use_pty = %v, want %v", cfg.UsePTY, defaultUsePTY)
	}
	if cfg.Timeout != defaultTimeout {
		t.Fatalf("timeout = %s, want %s", cfg.Timeout, defaultTimeout)
	}
	if cfg.IdleTimeout != defaultIdleTimeout {
		t.Fatalf("idle_timeout = %s, want %s", cfg.IdleTimeout, defaultIdleTimeout)
	}
	if cfg.IdleCheckInterval != defaultIdleCheckInterval {
		t.Fatalf("idle_check_interval = %s, want %s", cfg.IdleCheckInterval, defaultIdleCheckInterval)
	}
	if cfg.KillGrace != defaultKillGrace {
		t.Fatalf("kill_grace = %s, want %s", cfg.KillGrace, defaultKillGrace)
	}
	highWater, tail := cfg.BufferLimits()
	if highWater != 512*1024 || tail != 128*1024 {
		t.Fatalf("buffer limits = %d/%d, want 512KiB/128KiB", highWater, tail)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Fatalf("log_level = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if !cfg.TelemetryEnabled || cfg.OTelEndpoint != "" {
		t.Fatalf("telemetry = %v endpoint = %q", cfg.TelemetryEnabled, cfg.OTelEndpoint)
	}
	if len(cfg.Providers) != 0 {
		t.Fatalf("providers = %v, want none", cfg.Providers)
	}
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	testutil.Chdir(t, work)

	testutil.WriteFile(t, filepath.Join(home, ".agentvisor", "config.toml"), `
default_provider = "Codex"
use_pty = false
timeout = "45m"
idle_timeout = "3m"
log_level = "DEBUG"

[otel]
endpoint = "http://collector:4318"

[providers.claude]
binary = "/opt/claude/bin/claude"
model = "sonnet"

[providers.claude.env]
CLAUDE_CONFIG_DIR = "/home/me/.claude"
DISABLE_AUTOUPDATER = "1"
`)
	testutil.WriteFile(t, filepath.Join(work, ".agentvisor", "config.toml"), `
default_provider = "claude"
idle_timeout = "90s"
kill_grace = "5s"
buffer_high_water_kb = 1024
buffer_tail_kb = 256

[telemetry]
enabled = false

[providers.claude]
model = "opus"

[providers.claude.env]
DISABLE_AUTOUPDATER = "0"

[providers.cursor]
binary = "/usr/local/bin/cursor-agent"
`)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.DefaultProvider != "claude" {
		t.Fatalf("default_provider = %q, want project override", cfg.DefaultProvider)
	}
	if cfg.UsePTY {
		t.Fatal("use_pty should stay false from home config")
	}
	if cfg.Timeout != 45*time.Minute {
		t.Fatalf("timeout = %s, want 45m from home", cfg.Timeout)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Fatalf("idle_timeout = %s, want project override", cfg.IdleTimeout)
	}
	if cfg.KillGrace != 5*time.Second {
		t.Fatalf("kill_grace = %s", cfg.KillGrace)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q, want lowercased debug", cfg.LogLevel)
	}
	if cfg.OTelEndpoint != "http://collector:4318" || cfg.TelemetryEnabled {
		t.Fatalf("otel endpoint = %q enabled = %v", cfg.OTelEndpoint, cfg.TelemetryEnabled)
	}
	if highWater, tail := cfg.BufferLimits(); highWater != 1024*1024 || tail != 256*1024 {
		t.Fatalf("buffer limits = %d/%d", highWater, tail)
	}

	claude := cfg.Provider("Claude")
	if claude.Binary != "/opt/claude/bin/claude" || claude.Model != "opus" {
		t.Fatalf("claude = %+v, want home binary and project model", claude)
	}
	if claude.Env["CLAUDE_CONFIG_DIR"] != "/home/me/.claude" || claude.Env["DISABLE_AUTOUPDATER"] != "0" {
		t.Fatalf("claude env = %v, want merged env with project override", claude.Env)
	}
	if got := cfg.Provider("cursor").Binary; got != "/usr/local/bin/cursor-agent" {
		t.Fatalf("cursor binary = %q", got)
	}
	if names := cfg.ProviderNames(); strings.Join(names, ",") != "claude,cursor" {
		t.Fatalf("provider names = %v", names)
	}
	if cfg.Provider("codex").Binary != "" {
		t.Fatal("unconfigured provider should be zero")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad duration":     `idle_timeout = "soon"`,
		"unknown key":      `wip_limit = 3`,
		"tail over limit":  "buffer_high_water_kb = 64\nbuffer_tail_kb = 128",
		"negative timeout": `timeout = "-1m"`,
		"zero grace":       `kill_grace = "0s"`,
		"unknown provider": "[providers.claude]\nflavor = \"mild\"",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			testutil.WriteFile(t, path, body)
			if _, err := LoadFiles(context.Background(), path); err == nil {
				t.Fatalf("expected error for %q", body)
			}
		})
	}
}

func TestLoadFilesSkipsMissingPaths(t *testing.T) {
	cfg, err := LoadFiles(context.Background(), filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.IdleTimeout != Defaults().IdleTimeout {
		t.Fatalf("idle_timeout = %s, want default", cfg.IdleTimeout)
	}
}
