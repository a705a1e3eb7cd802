package config

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
)

var configEnv = []string{
	"PORT", "HTTP_REQUEST_TIMEOUT", "MAX_UPLOAD_BYTES", "LOG_LEVEL", "LOG_TO_STDOUT", "LOG_DIR",
	"CONFIG_DIR", "CONFIG_WATCH", "CONFIG_POLL_INTERVAL", "UPLOAD_PATH", "ALIAS_MODE",
	"NORMALIZE_UPLOAD_IDS", "HASH_CACHE_TTL", "GITHUB_TOKEN", "GITHUB_API_URL", "GITHUB_TIMEOUT",
	"TFTP_ENABLED", "TFTP_ADDRESS", "TFTP_TIMEOUT", "DATABASE_URL", "NATS_URL",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnv {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 54321 || cfg.Store.UploadPath != "files" || cfg.Devices.Path != "config.yaml" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Store.AliasMode != AliasModeAuto || cfg.Store.NormalizeUploadIDs || !cfg.Devices.Watch {
		t.Fatalf("store/devices defaults = %+v %+v", cfg.Store, cfg.Devices)
	}
	if cfg.TFTP.Enabled || cfg.TFTP.Address != ":69" || cfg.TFTP.TimeoutSec != 5 {
		t.Fatalf("tftp defaults = %+v", cfg.TFTP)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8266")
	t.Setenv("UPLOAD_PATH", "/srv/firmware")
	t.Setenv("ALIAS_MODE", "TABLE")
	t.Setenv("NORMALIZE_UPLOAD_IDS", "true")
	t.Setenv("CONFIG_POLL_INTERVAL", "5s")
	t.Setenv("GITHUB_TOKEN", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 8266 || cfg.Store.UploadPath != "/srv/firmware" || cfg.Store.AliasMode != AliasModeTable {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.Store.NormalizeUploadIDs || cfg.Devices.PollInterval != 5*time.Second || cfg.GitHub.Token != "secret" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_POLL_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8266")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	cfg.BindFlags(cmd)
	cmd.SetArgs([]string{"-p", "9000", "--log-level", "debug", "-u", "bins", "--alias-mode", "symlink"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cfg.HTTP.Port != 9000 || cfg.Log.Level != "debug" || cfg.Store.UploadPath != "bins" || cfg.Store.AliasMode != AliasModeSymlink {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	valid, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "port out of range", mutate: func(c *Config) { c.HTTP.Port = 70000 }},
		{name: "unknown log level", mutate: func(c *Config) { c.Log.Level = "loud" }},
		{name: "unknown alias mode", mutate: func(c *Config) { c.Store.AliasMode = "hardlink" }},
		{name: "empty upload path", mutate: func(c *Config) { c.Store.UploadPath = " " }},
		{name: "watch without interval", mutate: func(c *Config) { c.Devices.PollInterval = 0 }},
		{name: "tftp without timeout", mutate: func(c *Config) { c.TFTP.Enabled = true; c.TFTP.TimeoutSec = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
